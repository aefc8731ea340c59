package pci

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html

import (
	"bytes"
	"encoding/binary"
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

// DeviceHeader is the first 64 bytes of a PCI function's configuration
// space (PCI 2.2 §6.1), as read back through the 0xcfc data port.
type DeviceHeader struct {
	VendorID               uint16
	DeviceID               uint16
	Command                uint16
	Status                 uint16
	RevisionID             uint8
	ClassCode              [3]uint8
	CacheLineSize          uint8
	LatencyTimer           uint8
	HeaderType             uint8
	BIST                   uint8
	BAR                    [6]uint32
	CardbusCISPointer      uint32
	SubsystemVendorID      uint16
	SubsystemID            uint16
	ExpansionROMBaseAddr   uint32
	CapabilitiesPointer    uint8
	_                      [7]uint8
	InterruptLine          uint8
	InterruptPin           uint8
	MinGnt                 uint8
	MaxLat                 uint8
}

func (h *DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Device is one function living on the bus: a PCI bridge, or a virtio
// device registered through its BAR-mapped IO port range.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetIORange() (start, end uint64)
}

// PCI is the configuration-space state machine behind IO ports
// 0xcf8 (address) and 0xcfc (data), plus the list of functions it
// exposes, indexed by device (slot) number.
type PCI struct {
	addr    address
	Devices []Device
}

// New registers devices at increasing slot numbers, starting at 00:00.0.
func New(devices ...Device) *PCI {
	return &PCI{Devices: devices}
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	// offset can be obtained from many source as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.

	offset := int(p.addr.getRegisterOffset() + uint32(port-0xCFC))

	if p.addr.getBusNumber() != 0 || p.addr.getFunctionNumber() != 0 {
		return nil
	}

	slot := int(p.addr.getDeviceNumber())
	if slot >= len(p.Devices) {
		return nil
	}

	hdr := p.Devices[slot].GetDeviceHeader()

	b, err := hdr.Bytes()
	if err != nil {
		return err
	}

	if offset+len(values) > len(b) {
		return nil
	}

	copy(values, b[offset:offset+len(values)])

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((p.addr >> 24) & 0xff)
	values[2] = uint8((p.addr >> 16) & 0xff)
	values[1] = uint8((p.addr >> 8) & 0xff)
	values[0] = uint8((p.addr >> 0) & 0xff)

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	p.addr = address(x)

	return nil
}
