//go:build linux

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/clickerkit/basepoll/internal/log"
	"github.com/clickerkit/basepoll/protocol"
)

// Base station USB identity and endpoints, from the vendor descriptor.
const (
	VendorID  = 0x1881
	ProductID = 0x0150

	hidInterface = 0
	endpointIn   = 0x83

	// Outbound frames go through an HID SET_REPORT control transfer.
	setReportRequestType = 0x21   // host-to-device, class, interface
	setReportRequest     = 0x09   // SET_REPORT
	setReportValue       = 0x0200 // output report, id 0
	controlTimeoutMs     = 1000
)

const (
	sysfsUSBPath = "/sys/bus/usb/devices"
	devfsUSBPath = "/dev/bus/usb"
)

// usbfs talks to the base station through the Linux usbfs character device.
type usbfs struct {
	fd     int
	logger *slog.Logger
	raw    log.RawLogger
	closed bool
}

// Open locates the single attached base station, detaches any bound kernel
// driver, and claims its HID interface for exclusive use.
func Open(logger *slog.Logger, raw log.RawLogger) (Transport, error) {
	path, err := findDeviceNode()
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EACCES) {
			return nil, &Error{Op: "open " + path, Err: fmt.Errorf("permission denied (check udev rules): %w", err)}
		}
		return nil, &Error{Op: "open " + path, Err: err}
	}

	t := &usbfs{fd: fd, logger: logger, raw: raw}

	// A kernel HID driver usually owns the interface; take it over, the way
	// the vendor software does. ENODATA means nothing was bound.
	if err := t.detachKernelDriver(); err != nil && !errors.Is(err, unix.ENODATA) {
		logger.Warn("could not detach kernel driver", "error", err)
	}
	iface := uint32(hidInterface)
	if err := ioctlPtr(fd, usbdevfsClaimInterface, unsafe.Pointer(&iface)); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EBUSY) {
			return nil, ErrDeviceBusy
		}
		return nil, &Error{Op: "claim interface", Err: err}
	}

	logger.Debug("base station claimed", "node", path)
	return t, nil
}

// findDeviceNode walks sysfs for the base station's vendor/product pair and
// maps its bus and device numbers to the usbfs node.
func findDeviceNode() (string, error) {
	matches, _ := filepath.Glob(filepath.Join(sysfsUSBPath, "*", "idVendor"))
	for _, vendorPath := range matches {
		dir := filepath.Dir(vendorPath)
		if readSysfsHex(vendorPath) != VendorID {
			continue
		}
		if readSysfsHex(filepath.Join(dir, "idProduct")) != ProductID {
			continue
		}
		busnum := readSysfsInt(filepath.Join(dir, "busnum"))
		devnum := readSysfsInt(filepath.Join(dir, "devnum"))
		if busnum < 0 || devnum < 0 {
			continue
		}
		return fmt.Sprintf("%s/%03d/%03d", devfsUSBPath, busnum, devnum), nil
	}
	return "", ErrDeviceNotFound
}

func readSysfsHex(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 16, 32)
	if err != nil {
		return -1
	}
	return v
}

func readSysfsInt(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return -1
	}
	return v
}

func (t *usbfs) Send(f protocol.Frame) error {
	if t.closed {
		return &Error{Op: "send", Err: ErrClosed}
	}
	buf := make([]byte, protocol.FrameLen)
	copy(buf, f)
	ctrl := usbdevfsCtrlTransfer{
		RequestType: setReportRequestType,
		Request:     setReportRequest,
		Value:       setReportValue,
		Index:       hidInterface,
		Length:      uint16(len(buf)),
		Timeout:     controlTimeoutMs,
		Data:        uintptr(unsafe.Pointer(&buf[0])),
	}
	n, err := ioctlRet(t.fd, usbdevfsControl, unsafe.Pointer(&ctrl))
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	if n != len(buf) {
		return &Error{Op: "send", Err: fmt.Errorf("short write: %d of %d bytes", n, len(buf))}
	}
	t.raw.Log(true, buf)
	return nil
}

func (t *usbfs) Receive(timeout time.Duration) (protocol.Frame, error) {
	if t.closed {
		return nil, &Error{Op: "receive", Err: ErrClosed}
	}
	buf := make([]byte, protocol.FrameLen)
	// usbfs routes interrupt endpoints through the bulk ioctl.
	bulk := usbdevfsBulkTransfer{
		Endpoint: endpointIn,
		Length:   uint32(len(buf)),
		Timeout:  timeoutMillis(timeout),
		Data:     uintptr(unsafe.Pointer(&buf[0])),
	}
	n, err := ioctlRet(t.fd, usbdevfsBulk, unsafe.Pointer(&bulk))
	if err != nil {
		if errors.Is(err, unix.ETIMEDOUT) {
			return nil, ErrTimeout
		}
		return nil, &Error{Op: "receive", Err: err}
	}
	t.raw.Log(false, buf[:n])
	return protocol.Frame(buf[:n]), nil
}

// Close releases the interface and hands the device back to the kernel.
// Safe to call more than once; only the first call does the work.
func (t *usbfs) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	iface := uint32(hidInterface)
	if err := ioctlPtr(t.fd, usbdevfsReleaseInterface, unsafe.Pointer(&iface)); err != nil {
		t.logger.Debug("release interface failed", "error", err)
	}
	// Best effort: let the kernel HID driver rebind so the device stays
	// addressable for the next run.
	req := usbdevfsIoctl{Ifno: hidInterface, Code: int32(usbdevfsConnect)}
	if err := ioctlPtr(t.fd, usbdevfsSubIoctl, unsafe.Pointer(&req)); err != nil {
		t.logger.Debug("driver reattach failed", "error", err)
	}
	return unix.Close(t.fd)
}

// timeoutMillis converts a read deadline to the millisecond field usbfs
// expects, rounding up. The kernel treats 0 as "wait forever", so any
// positive deadline must land on at least 1ms to stay bounded.
func timeoutMillis(d time.Duration) uint32 {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		ms = 1
	}
	return uint32(ms)
}

func (t *usbfs) detachKernelDriver() error {
	req := usbdevfsIoctl{Ifno: hidInterface, Code: int32(usbdevfsDisconnect)}
	return ioctlPtr(t.fd, usbdevfsSubIoctl, unsafe.Pointer(&req))
}
