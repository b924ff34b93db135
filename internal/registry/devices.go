// Package registry links the device types the server can create.
package registry

import (
	_ "github.com/Alia5/usbtest/device/usbtest" // Register usbtest device handler
)
