package usb

import "time"

// ServerConfig configures the USBIP listener.
type ServerConfig struct {
	Addr string `help:"USB-IP server listen address" default:":3241" env:"USBTEST_USB_ADDR"`
	// ConnectionTimeout bounds the wait for the first management request.
	// It is filled from the server command, not from flags.
	ConnectionTimeout       time.Duration `kong:"-"`
	WriteBatchFlushInterval time.Duration `help:"Interval to flush batched URB replies to clients; 0 flushes every reply" default:"1ms" env:"USBTEST_USB_WRITE_BATCH_FLUSH_INTERVAL"`
}
