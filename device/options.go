package device

// CreateOptions carries optional per-device overrides supplied when a device
// is added through the API. Nil fields keep the device defaults.
type CreateOptions struct {
	IdVendor   *uint16
	IdProduct  *uint16
	Mode       *string
	BufferSize *uint32
}
