package api

import "time"

// ServerConfig represents the API part of the server subcommand.
type ServerConfig struct {
	Addr                        string        `help:"API server listen address" default:":3242" env:"USBTEST_API_ADDR"`
	Password                    string        `help:"API password; enables the encrypted handshake when set" env:"USBTEST_API_PASSWORD"`
	DeviceHandlerConnectTimeout time.Duration `help:"Time a device may stay without an activity monitor or USBIP import before it is removed" default:"5s" env:"USBTEST_API_DEVICE_HANDLER_TIMEOUT"`
	AutoAttachLocalClient       bool          `help:"Attach devices added to the virtual bus with the local usbip client" default:"false" env:"USBTEST_API_AUTO_ATTACH_LOCAL_CLIENT"`
	ConnectionTimeout           time.Duration `kong:"-"`
	platformOpts                `embed:""`
}
