package usbd

import (
	"github.com/Alia5/usbtest/usb"
)

func (s *Stack) handleControl(urb *usb.URB) {
	req := urb.Setup
	s.logger.Debug("control request", "seq", urb.Seqnum, "setup", req.String())

	data, ok := s.control(req, urb.Data)
	if !ok {
		s.logger.Debug("control request stalled", "setup", req.String())
		urb.Complete(usb.StatusStall, nil, 0)
		return
	}
	if !req.IsIn() {
		urb.Complete(usb.StatusOK, nil, uint32(len(urb.Data)))
		return
	}
	n := min(len(data), int(req.Length), int(urb.Length))
	urb.Complete(usb.StatusOK, data[:n], uint32(n))
}

// control answers one request. The bool is false when the request stalls.
func (s *Stack) control(req usb.SetupPacket, out []byte) ([]byte, bool) {
	if req.Type() == usb.RequestTypeStandard {
		switch req.Recipient() {
		case usb.RecipientDevice:
			return s.standardDevice(req)
		case usb.RecipientEndpoint:
			return s.standardEndpoint(req)
		case usb.RecipientInterface:
			if s.config == 0 {
				return nil, false
			}
			if data, ok := s.classRequest(req, out); ok {
				return data, true
			}
			return s.standardInterface(req)
		}
		return nil, false
	}
	return s.classRequest(req, out)
}

func (s *Stack) classRequest(req usb.SetupPacket, out []byte) ([]byte, bool) {
	s.ctrl = &controlXfer{req: req, out: out}
	defer func() { s.ctrl = nil }()

	if !s.driver.ControlRequest(s.port, StageSetup, &req) {
		return nil, false
	}
	if req.Length > 0 {
		s.driver.ControlRequest(s.port, StageData, &req)
	}
	s.driver.ControlRequest(s.port, StageAck, &req)
	return s.ctrl.resp, true
}

func (s *Stack) standardDevice(req usb.SetupPacket) ([]byte, bool) {
	switch req.Request {
	case usb.RequestGetStatus:
		var status byte
		if s.desc.Config.BMAttributes&usb.ConfigAttrSelfPowered != 0 {
			status |= 0x01
		}
		return []byte{status, 0}, true
	case usb.RequestClearFeature, usb.RequestSetFeature:
		return nil, req.Value == usb.FeatureDeviceRemoteWakeup
	case usb.RequestSetAddress:
		s.address = uint8(req.Value & 0x7f)
		s.logger.Debug("address assigned", "address", s.address)
		return nil, true
	case usb.RequestGetDescriptor:
		return s.descriptor(req)
	case usb.RequestGetConfiguration:
		return []byte{s.config}, true
	case usb.RequestSetConfiguration:
		return nil, s.setConfiguration(uint8(req.Value))
	}
	return nil, false
}

func (s *Stack) descriptor(req usb.SetupPacket) ([]byte, bool) {
	switch req.DescriptorType() {
	case usb.DeviceDescType:
		return s.desc.Bytes(), true
	case usb.ConfigDescType:
		if req.DescriptorIndex() >= s.desc.Device.BNumConfigurations {
			return nil, false
		}
		return s.desc.ConfigBytes(), true
	case usb.StringDescType:
		return s.desc.StringBytes(req.DescriptorIndex())
	}
	// full-speed only, so DEVICE_QUALIFIER and others stall
	return nil, false
}

// setConfiguration resets the driver and, for a non-zero value, offers it
// every interface of the configuration in descriptor order.
func (s *Stack) setConfiguration(value uint8) bool {
	if value != 0 && value != s.desc.Config.BConfigurationValue {
		s.logger.Warn("unknown configuration requested", "value", value)
		return false
	}
	s.busReset()
	if value == 0 {
		s.logger.Info("device unconfigured")
		return true
	}

	cfg := s.desc.ConfigBytes()
	for p := usb.NextDescriptor(cfg); len(p) >= 2; {
		if p[1] != usb.InterfaceDescType {
			p = usb.NextDescriptor(p)
			continue
		}
		n, err := s.driver.Open(s.port, p, uint16(len(p)))
		if err != nil {
			s.logger.Error("class driver rejected interface", "error", err)
			s.busReset()
			return false
		}
		if n == 0 || int(n) > len(p) {
			s.logger.Error("class driver consumed invalid length", "consumed", n, "remaining", len(p))
			s.busReset()
			return false
		}
		p = p[n:]
	}
	s.config = value
	s.logger.Info("device configured", "value", value)
	return true
}

func (s *Stack) standardInterface(req usb.SetupPacket) ([]byte, bool) {
	switch req.Request {
	case usb.RequestGetInterface:
		return []byte{0}, true
	case usb.RequestSetInterface:
		return nil, req.Value == 0
	}
	return nil, false
}

func (s *Stack) standardEndpoint(req usb.SetupPacket) ([]byte, bool) {
	addr := uint8(req.Index)
	if addr&0x0f == 0 {
		switch req.Request {
		case usb.RequestGetStatus:
			return []byte{0, 0}, true
		case usb.RequestClearFeature, usb.RequestSetFeature:
			return nil, req.Value == usb.FeatureEndpointHalt
		}
		return nil, false
	}

	ep := s.eps[addr]
	if ep == nil {
		return nil, false
	}
	switch req.Request {
	case usb.RequestGetStatus:
		var halted byte
		if ep.halted {
			halted = 1
		}
		return []byte{halted, 0}, true
	case usb.RequestClearFeature:
		if req.Value != usb.FeatureEndpointHalt {
			return nil, false
		}
		ep.halted = false
		s.logger.Debug("endpoint halt cleared", "ep", epName(addr))
		return nil, true
	case usb.RequestSetFeature:
		if req.Value != usb.FeatureEndpointHalt {
			return nil, false
		}
		ep.halted = true
		pending := ep.urbs
		ep.urbs = nil
		for _, p := range pending {
			p.urb.Complete(usb.StatusStall, nil, 0)
		}
		s.logger.Debug("endpoint halted", "ep", epName(addr))
		return nil, true
	}
	return nil, false
}
