// Package visa reaches the scope through a VISA resource manager. The
// VDS1022 is not a USBTMC instrument, so the resource must be opened in
// USB RAW mode, e.g. "USB0::0x5345::0x1234::<serial>::RAW".
package visa

import (
	"errors"
	"fmt"

	vi "github.com/jpoirier/visa"
	"github.com/sirupsen/logrus"
)

// DefaultResource is a VDS1022 in raw mode; the serial number field (here
// 0) has to be replaced with the one of the attached unit.
const DefaultResource = "USB0::0x5345::0x1234::0::RAW"

// Raw is a VISA session used as a bulk byte pipe.
type Raw struct {
	Instr           vi.Object
	ResourceManager vi.Session
	resource        string
	open            bool
	log             *logrus.Entry
}

// Open opens resource through the default resource manager.
func Open(resource string, log *logrus.Logger) (*Raw, error) {
	rm, status := vi.OpenDefaultRM()
	if status < vi.SUCCESS {
		return nil, errors.New("could not open a session to the VISA Resource Manager")
	}

	instr, status := rm.Open(resource, vi.NULL, vi.NULL)
	if status < vi.SUCCESS {
		rm.Close()
		return nil, fmt.Errorf("an error occurred opening the session to %s: %v", resource, status)
	}

	r := &Raw{
		Instr:           instr,
		ResourceManager: rm,
		resource:        resource,
		open:            true,
		log:             log.WithField("component", "visa"),
	}
	r.log.Infof("opened %s", resource)
	return r, nil
}

// Write sends p to the instrument.
func (r *Raw) Write(p []byte) (int, error) {
	n, status := r.Instr.Write(p, uint32(len(p)))
	if status < vi.SUCCESS {
		return int(n), fmt.Errorf("error writing to %s: %v", r.resource, status)
	}
	return int(n), nil
}

// Read reads up to n bytes.
func (r *Raw) Read(n int) ([]byte, error) {
	b, _, status := r.Instr.Read(uint32(n))
	if status < vi.SUCCESS {
		return nil, fmt.Errorf("read from %s failed with error code %x", r.resource, status)
	}
	return b, nil
}

// Close ends the instrument and resource manager sessions once.
func (r *Raw) Close() error {
	if !r.open {
		return nil
	}
	r.open = false
	r.Instr.Close()
	r.ResourceManager.Close()
	r.log.Debugf("closed %s", r.resource)
	return nil
}
