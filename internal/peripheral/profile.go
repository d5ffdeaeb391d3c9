package peripheral

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// UUID16 is a 16-bit Bluetooth SIG style UUID.
type UUID16 uint16

// String renders the UUID the way BLE tools print short UUIDs ("abcd").
func (u UUID16) String() string {
	return fmt.Sprintf("%04x", uint16(u))
}

const (
	// ServiceUUID is the sensor service.
	ServiceUUID UUID16 = 0xABCD

	// SampleCharUUID carries samples as notifications.
	SampleCharUUID UUID16 = 0x1234

	// ControlCharUUID accepts free-form control writes from bonded peers.
	ControlCharUUID UUID16 = 0x1235
)

// Property is a bit set of characteristic properties and access requirements.
type Property uint16

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
	PropWriteEncrypted // write requires an encrypted link
	PropWriteAuthorized // write requires an authenticated (bonded) peer
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropRead, "read"},
	{PropWrite, "write"},
	{PropWriteNoResponse, "write-without-response"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropWriteEncrypted, "write-enc"},
	{PropWriteAuthorized, "write-author"},
}

// Has reports whether every bit of q is set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// Writable reports whether the characteristic accepts writes.
func (p Property) Writable() bool {
	return p&(PropWrite|PropWriteNoResponse) != 0
}

// Protected reports whether writes require a secured peer.
func (p Property) Protected() bool {
	return p&(PropWriteEncrypted|PropWriteAuthorized) != 0
}

func (p Property) String() string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// Characteristic is one GATT characteristic of a Profile.
type Characteristic struct {
	UUID       UUID16
	Name       string
	Properties Property
}

// Profile describes one GATT service and its characteristics, kept in
// declaration order so every stack registers them identically.
type Profile struct {
	UUID  UUID16
	Name  string
	chars *orderedmap.OrderedMap[UUID16, *Characteristic]
}

// NewProfile creates an empty service description.
func NewProfile(uuid UUID16, name string) *Profile {
	return &Profile{
		UUID:  uuid,
		Name:  name,
		chars: orderedmap.New[UUID16, *Characteristic](),
	}
}

// WithCharacteristic adds or replaces a characteristic and returns p for chaining.
func (p *Profile) WithCharacteristic(uuid UUID16, name string, props Property) *Profile {
	p.chars.Set(uuid, &Characteristic{UUID: uuid, Name: name, Properties: props})
	return p
}

// Characteristics returns the characteristics in declaration order.
func (p *Profile) Characteristics() []*Characteristic {
	result := make([]*Characteristic, 0, p.chars.Len())
	for pair := p.chars.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Characteristic looks up a characteristic by UUID.
func (p *Profile) Characteristic(uuid UUID16) (*Characteristic, bool) {
	return p.chars.Get(uuid)
}

// ECGProfile returns the sensor service: an encrypted, authorized control
// characteristic followed by the sample notification characteristic.
func ECGProfile() *Profile {
	return NewProfile(ServiceUUID, "ECG Sensor").
		WithCharacteristic(ControlCharUUID, "Control", PropWrite|PropWriteEncrypted|PropWriteAuthorized).
		WithCharacteristic(SampleCharUUID, "Sample", PropNotify)
}
