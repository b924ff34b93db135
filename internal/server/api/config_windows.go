//go:build windows

package api

type platformOpts struct {
	AutoAttachWindowsNative bool `help:"Use the usbip-win2 IOCTL instead of usbip.exe for auto-attach" default:"true" env:"USBTEST_API_AUTO_ATTACH_WINDOWS_NATIVE"`
}

func (p platformOpts) nativeAttach() bool { return p.AutoAttachWindowsNative }
