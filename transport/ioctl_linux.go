//go:build linux

package transport

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbfs ioctl request numbers, built the same way the kernel's _IO macros
// build them. Struct sizes feed the encoding, so the layouts below must
// match <linux/usbdevice_fs.h> exactly.

// usbdevfsCtrlTransfer mirrors struct usbdevfs_ctrltransfer.
type usbdevfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32 // milliseconds
	Data        uintptr
}

// usbdevfsBulkTransfer mirrors struct usbdevfs_bulktransfer.
type usbdevfsBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32 // milliseconds
	Data     uintptr
}

// usbdevfsIoctl mirrors struct usbdevfs_ioctl, the envelope for
// driver-targeted sub-ioctls like disconnect/connect.
type usbdevfsIoctl struct {
	Ifno int32
	Code int32
	Data uintptr
}

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	usbdevfsMagic = 'U'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | usbdevfsMagic<<iocTypeShift | nr<<iocNrShift
}

var (
	usbdevfsControl          = ioc(iocRead|iocWrite, 0, unsafe.Sizeof(usbdevfsCtrlTransfer{}))
	usbdevfsBulk             = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(usbdevfsBulkTransfer{}))
	usbdevfsClaimInterface   = ioc(iocRead, 15, unsafe.Sizeof(uint32(0)))
	usbdevfsReleaseInterface = ioc(iocRead, 16, unsafe.Sizeof(uint32(0)))
	usbdevfsSubIoctl         = ioc(iocRead|iocWrite, 18, unsafe.Sizeof(usbdevfsIoctl{}))
	usbdevfsDisconnect       = ioc(iocNone, 22, 0)
	usbdevfsConnect          = ioc(iocNone, 23, 0)
)

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlRet(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
