//go:build linux

package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

// UdevSource adapts kernel uevents (NETLINK_KOBJECT_UEVENT) into raw
// notifications. It watches usb_device add/remove events and reads the
// descriptor fields from sysfs. Read failures are surfaced on the
// notification, never retried.
type UdevSource struct {
	log  *zap.Logger
	conn *netlink.UEventConn
	quit chan struct{}
	out  chan RawNotification
}

// NewUdevSource returns a netlink-backed source.
func NewUdevSource(log *zap.Logger) *UdevSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &UdevSource{log: log.Named("udev")}
}

func (s *UdevSource) Name() string { return "udev" }

// Start connects to the uevent socket and begins translating events.
func (s *UdevSource) Start(ctx context.Context) (<-chan RawNotification, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, fmt.Errorf("connect uevent socket: %w", err)
	}
	s.conn = conn
	s.out = make(chan RawNotification, 64)

	queue := make(chan netlink.UEvent, 64)
	errs := make(chan error)
	s.quit = conn.Monitor(queue, errs, nil)

	go func() {
		defer conn.Close()
		defer close(s.out)
		// Devices present before the daemon came up produce synthetic add
		// notifications so the monitor's table starts complete.
		s.scanExisting(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				// Socket-level errors are reported; the monitor decides
				// what to do with the gap.
				s.log.Warn("uevent socket error", zap.Error(err))
			case ev := <-queue:
				if n, ok := s.translate(ev); ok {
					select {
					case s.out <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return s.out, nil
}

// Stop closes the netlink monitor.
func (s *UdevSource) Stop() {
	if s.quit != nil {
		close(s.quit)
		s.quit = nil
	}
}

// scanExisting walks /sys/bus/usb/devices and emits one add notification
// per already-connected usb device node.
func (s *UdevSource) scanExisting(ctx context.Context) {
	const root = "/sys/bus/usb/devices"
	entries, err := os.ReadDir(root)
	if err != nil {
		s.log.Debug("initial usb scan skipped", zap.Error(err))
		return
	}
	for _, e := range entries {
		// Interface nodes carry a colon; only device nodes have idVendor.
		if strings.Contains(e.Name(), ":") {
			continue
		}
		sysPath := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(sysPath, "idVendor")); err != nil {
			continue
		}
		n := RawNotification{Action: "add", BusLocation: sysPath}
		n.VendorID, n.ProductID, n.Class, n.ReadErr = readIdentity(sysPath)
		n.Manufacturer = readSysfs(sysPath, "manufacturer")
		n.Product = readSysfs(sysPath, "product")
		n.Serial = readSysfs(sysPath, "serial")
		select {
		case s.out <- n:
		case <-ctx.Done():
			return
		}
	}
}

func (s *UdevSource) translate(ev netlink.UEvent) (RawNotification, bool) {
	if ev.Env["SUBSYSTEM"] != "usb" || ev.Env["DEVTYPE"] != "usb_device" {
		return RawNotification{}, false
	}
	action := string(ev.Action)
	if action != "add" && action != "remove" {
		return RawNotification{}, false
	}
	n := RawNotification{Action: action, BusLocation: ev.Env["DEVPATH"]}

	sysPath := filepath.Join("/sys", ev.Env["DEVPATH"])
	if action == "add" {
		n.VendorID, n.ProductID, n.Class, n.ReadErr = readIdentity(sysPath)
		n.Manufacturer = readSysfs(sysPath, "manufacturer")
		n.Product = readSysfs(sysPath, "product")
		n.Serial = readSysfs(sysPath, "serial")
	} else {
		// On remove the sysfs node is already gone; identity comes from
		// the uevent environment when present.
		n.VendorID = parseHex16(strings.Split(ev.Env["PRODUCT"], "/"), 0)
		n.ProductID = parseHex16(strings.Split(ev.Env["PRODUCT"], "/"), 1)
	}
	return n, true
}

func readIdentity(sysPath string) (vid, pid uint16, class uint8, err error) {
	v, verr := os.ReadFile(filepath.Join(sysPath, "idVendor"))
	p, perr := os.ReadFile(filepath.Join(sysPath, "idProduct"))
	c, _ := os.ReadFile(filepath.Join(sysPath, "bDeviceClass"))
	if verr != nil || perr != nil {
		err = fmt.Errorf("sysfs descriptor read failed: vendor=%v product=%v", verr, perr)
	}
	vid = hex16(strings.TrimSpace(string(v)))
	pid = hex16(strings.TrimSpace(string(p)))
	if cv, e := strconv.ParseUint(strings.TrimSpace(string(c)), 16, 8); e == nil {
		class = uint8(cv)
	}
	return vid, pid, class, err
}

func readSysfs(sysPath, attr string) string {
	b, err := os.ReadFile(filepath.Join(sysPath, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func hex16(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func parseHex16(parts []string, idx int) uint16 {
	if idx >= len(parts) {
		return 0
	}
	return hex16(parts[idx])
}
