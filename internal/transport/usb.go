// Package transport provides the bulk endpoint connection to the scope.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/device"
)

// USBConfig selects the device and endpoints. The VDS1022 values are the
// identity constants of package device.
type USBConfig struct {
	VendorID      uint16
	ProductID     uint16
	Interface     int
	WriteEndpoint uint8
	ReadEndpoint  uint8
	Timeout       time.Duration
}

// USB is a claimed interface with one bulk OUT and one bulk IN endpoint.
type USB struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	conf    *gousb.Config
	intf    *gousb.Interface
	out     *gousb.OutEndpoint
	in      *gousb.InEndpoint
	timeout time.Duration
	log     *logrus.Entry
}

// OpenUSB opens the first device matching cfg and claims its interface.
func OpenUSB(cfg USBConfig, log *logrus.Logger) (*USB, error) {
	u := &USB{
		ctx:     gousb.NewContext(),
		timeout: cfg.Timeout,
		log:     log.WithField("component", "usb"),
	}

	dev, err := u.ctx.OpenDeviceWithVIDPID(gousb.ID(cfg.VendorID), gousb.ID(cfg.ProductID))
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("open %04x:%04x: %w", cfg.VendorID, cfg.ProductID, err)
	}
	// gousb returns a nil device without error when nothing matches
	if dev == nil {
		u.Close()
		return nil, fmt.Errorf("%w: %04x:%04x", device.ErrDeviceNotFound, cfg.VendorID, cfg.ProductID)
	}
	u.dev = dev

	if err := dev.SetAutoDetach(true); err != nil {
		u.Close()
		return nil, fmt.Errorf("%s.SetAutoDetach(): %w", dev, err)
	}

	num, err := dev.ActiveConfigNum()
	if err != nil {
		u.Close()
		return nil, fmt.Errorf("%s.ActiveConfigNum(): %w", dev, err)
	}
	if u.conf, err = dev.Config(num); err != nil {
		u.Close()
		return nil, fmt.Errorf("%s.Config(%d): %w", dev, num, err)
	}
	if u.intf, err = u.conf.Interface(cfg.Interface, 0); err != nil {
		u.Close()
		return nil, fmt.Errorf("%s.Interface(%d): %w", u.conf, cfg.Interface, err)
	}

	// gousb addresses endpoints by number, the direction bit is implied
	if u.out, err = u.intf.OutEndpoint(int(cfg.WriteEndpoint & 0x0f)); err != nil {
		u.Close()
		return nil, fmt.Errorf("%s.OutEndpoint(%d): %w", u.intf, cfg.WriteEndpoint&0x0f, err)
	}
	if u.in, err = u.intf.InEndpoint(int(cfg.ReadEndpoint & 0x0f)); err != nil {
		u.Close()
		return nil, fmt.Errorf("%s.InEndpoint(%d): %w", u.intf, cfg.ReadEndpoint&0x0f, err)
	}

	u.log.Infof("opened %04x:%04x interface %d", cfg.VendorID, cfg.ProductID, cfg.Interface)
	return u, nil
}

func (u *USB) context() (context.Context, context.CancelFunc) {
	if u.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), u.timeout)
}

// Write sends p as one bulk OUT transfer.
func (u *USB) Write(p []byte) (int, error) {
	ctx, cancel := u.context()
	defer cancel()
	n, err := u.out.WriteContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("%s.Write(%d): %w", u.out, len(p), err)
	}
	return n, nil
}

// Read performs one bulk IN transfer of up to n bytes. The result may be
// shorter than n.
func (u *USB) Read(n int) ([]byte, error) {
	ctx, cancel := u.context()
	defer cancel()
	buf := make([]byte, n)
	got, err := u.in.ReadContext(ctx, buf)
	if err != nil {
		return buf[:got], fmt.Errorf("%s.Read(%d): %w", u.in, n, err)
	}
	return buf[:got], nil
}

// Close releases the interface, the device and the libusb context. It is
// safe to call more than once.
func (u *USB) Close() error {
	var errs []error
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.conf != nil {
		errs = append(errs, u.conf.Close())
		u.conf = nil
	}
	if u.dev != nil {
		errs = append(errs, u.dev.Close())
		u.dev = nil
	}
	if u.ctx != nil {
		errs = append(errs, u.ctx.Close())
		u.ctx = nil
	}
	return errors.Join(errs...)
}
