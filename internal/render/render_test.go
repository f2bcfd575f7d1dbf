package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chaz8081/gattscope/internal/ble"
	"github.com/chaz8081/gattscope/internal/ble/codec"
)

func sampleServices() []ble.ServiceWithCharacteristics {
	return []ble.ServiceWithCharacteristics{
		{
			Service: ble.Service{ID: "abc/S1", UUID: "S1", DeviceID: "abc", IsPrimary: true},
			Characteristics: []ble.Characteristic{
				{ID: "abc/S1/C1", UUID: "C1", ServiceUUID: "S1", DeviceID: "abc", IsReadable: true, Value: codec.Ptr(codec.Encode("hi"))},
				{ID: "abc/S1/C2", UUID: "C2", ServiceUUID: "S1", DeviceID: "abc", IsWritableWithResponse: true},
			},
		},
		{Service: ble.Service{ID: "abc/S2", UUID: "S2", DeviceID: "abc"}},
	}
}

func TestCharacteristicFields(t *testing.T) {
	c := sampleServices()[0].Characteristics[0]
	fields := CharacteristicFields(c)

	labels := make([]string, len(fields))
	for i, f := range fields {
		labels[i] = f.Label
	}
	assert.Equal(t, []string{"id", "uuid", "serviceUUID", "deviceID", "isReadable", "isWritableWithResponse", "value"}, labels)
	assert.Equal(t, Field{"value", "hi"}, fields[6])

	absent := CharacteristicFields(sampleServices()[0].Characteristics[1])
	assert.Equal(t, Field{"value", "null"}, absent[6])
}

func TestServicesCard(t *testing.T) {
	out := ServicesCard(sampleServices())

	for _, want := range []string{"Service 0", "Service 1", "Characteristic 0", "Characteristic 1", "isPrimary:", "true", "hi", "null"} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "Service 0"), strings.Index(out, "Service 1"))
	assert.NotContains(t, out, string(codec.Encode("hi")), "values are shown decoded")
}

func TestServicesCardCursor(t *testing.T) {
	out := DefaultStyles().ServicesCard(sampleServices(), Cursor{Service: 0, Characteristic: 1})
	assert.Contains(t, out, "> Characteristic 1")
	assert.NotContains(t, out, "> Characteristic 0")
}

func TestDeviceLine(t *testing.T) {
	line := DeviceLine(ble.Device{ID: "D2", LocalName: "lamp", RSSI: -61, IsConnected: true})
	assert.True(t, strings.HasPrefix(line, "●"))
	assert.Contains(t, line, "lamp")
	assert.Contains(t, line, "-61 dBm")

	assert.Contains(t, DeviceLine(ble.Device{ID: "D9"}), "No name")
}
