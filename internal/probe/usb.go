package probe

import (
	"errors"
	"fmt"

	"github.com/google/gousb"
)

const (
	DefaultVendorID  = 0x2E8A
	DefaultProductID = 0x000C
)

// USBProbe describes an attached debug probe. Devices are never opened or
// claimed while listing, so a running adapter is not disturbed.
type USBProbe struct {
	Bus       int    `json:"bus"`
	Address   int    `json:"address"`
	Port      int    `json:"port"`
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Speed     string `json:"speed"`
}

func (p USBProbe) String() string {
	return fmt.Sprintf("bus %03d addr %03d %04x:%04x (%s)", p.Bus, p.Address, p.VendorID, p.ProductID, p.Speed)
}

// ListProbes enumerates USB devices matching vid:pid.
func ListProbes(vid, pid uint16) ([]USBProbe, error) {
	usb := gousb.NewContext()
	defer func() { _ = usb.Close() }()

	var found []USBProbe
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if p, ok := matchDesc(desc, vid, pid); ok {
			found = append(found, p)
		}
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return found, fmt.Errorf("enumerate usb: %w", err)
	}
	return found, nil
}

func matchDesc(desc *gousb.DeviceDesc, vid, pid uint16) (USBProbe, bool) {
	if desc == nil || uint16(desc.Vendor) != vid || uint16(desc.Product) != pid {
		return USBProbe{}, false
	}
	return USBProbe{
		Bus:       desc.Bus,
		Address:   desc.Address,
		Port:      desc.Port,
		VendorID:  uint16(desc.Vendor),
		ProductID: uint16(desc.Product),
		Speed:     desc.Speed.String(),
	}, true
}
