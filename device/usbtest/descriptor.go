package usbtest

import "github.com/Alia5/usbtest/usb"

const (
	DefaultVendorID   uint16 = 0x0525
	DefaultProductID  uint16 = 0xa4a0
	DefaultBufferSize        = 32 * 1024

	BulkMaxPacketSize = 64

	EndpointIn  uint8 = 0x81
	EndpointOut uint8 = 0x01
)

// MaxBufferSize bounds the buffer size accepted from create requests.
const MaxBufferSize = 1 << 20

const (
	strManufacturer = 1
	strProduct      = 2
	strSerial       = 3
	strConfig       = 4
)

// Descriptor returns the Gadget Zero descriptor set: one configuration with
// one vendor specific interface holding a bulk IN and a bulk OUT endpoint.
func Descriptor(mode Mode, vid, pid uint16) *usb.Descriptor {
	config := "source and sink data"
	if mode == ModeLoopback {
		config = "loop input to output"
	}
	return &usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0110,
			BDeviceClass:       usb.ClassVendorSpecific,
			BMaxPacketSize0:    64,
			IDVendor:           vid,
			IDProduct:          pid,
			BcdDevice:          0x0000,
			IManufacturer:      strManufacturer,
			IProduct:           strProduct,
			ISerialNumber:      strSerial,
			BNumConfigurations: 1,
			Speed:              usb.SpeedFull,
		},
		Config: usb.ConfigHeader{
			BConfigurationValue: 1,
			IConfiguration:      strConfig,
			BMAttributes:        usb.ConfigAttrReserved | usb.ConfigAttrSelfPowered,
			BMaxPower:           50,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber: 0,
					BInterfaceClass:  usb.ClassVendorSpecific,
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: EndpointIn, BMAttributes: usb.TransferTypeBulk, WMaxPacketSize: BulkMaxPacketSize},
					{BEndpointAddress: EndpointOut, BMAttributes: usb.TransferTypeBulk, WMaxPacketSize: BulkMaxPacketSize},
				},
			},
		},
		Strings: map[uint8]string{
			strManufacturer: "usbtest",
			strProduct:      "Gadget Zero",
			strSerial:       "0123456789.0123456789.0123456789",
			strConfig:       config,
		},
	}
}
