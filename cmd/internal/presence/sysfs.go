package presence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where the kernel lists attached USB devices and interfaces.
const DefaultSysfsRoot = "/sys/bus/usb/devices"

// Scan lists the entries under root that t matches. Device entries are matched on
// idVendor/idProduct, interface entries on bInterfaceClass/SubClass/Protocol.
// Entries whose attributes cannot be read are skipped.
func Scan(root string, t Table) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	var out []string
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())

		if id, ok := readID(dir); ok && t.MatchID(id) {
			out = append(out, e.Name())
			continue
		}
		if c, ok := readClass(dir); ok && t.MatchClass(c) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func readID(dir string) (ID, bool) {
	v, ok := readHex(dir, "idVendor", 16)
	if !ok {
		return ID{}, false
	}
	p, ok := readHex(dir, "idProduct", 16)
	if !ok {
		return ID{}, false
	}
	return ID{Vendor: uint16(v), Product: uint16(p)}, true
}

func readClass(dir string) (Class, bool) {
	var out [3]uint8
	for i, attr := range []string{"bInterfaceClass", "bInterfaceSubClass", "bInterfaceProtocol"} {
		v, ok := readHex(dir, attr, 8)
		if !ok {
			return Class{}, false
		}
		out[i] = uint8(v)
	}
	return Class{Class: out[0], SubClass: out[1], Protocol: out[2]}, true
}

func readHex(dir, attr string, bits int) (uint64, bool) {
	b, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, bits)
	if err != nil {
		return 0, false
	}
	return v, true
}
