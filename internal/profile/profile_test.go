package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuya-dp-bridge/internal/tuya"
	"tuya-dp-bridge/internal/zcl"
	"tuya-dp-bridge/internal/zcl/clusters"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRegistry() *zcl.Registry {
	reg := zcl.NewRegistry(testLogger())
	for _, c := range clusters.All() {
		reg.Register(c)
	}
	return reg
}

const sensorYAML = `
profiles:
  - name: th_sensor
    models:
      - manufacturer: _TZE200_bjawzodf
        model: TS0601
    signature:
      1:
        profile_id: 0x0104
        device_type: 0x0051
        input_clusters: [basic, groups, scenes, tuya_manufacturer]
        output_clusters: [ota, time]
    replacement:
      1:
        profile_id: 0x0104
        device_type: 0x0302
        input_clusters: [tuya_manufacturer, temperature, humidity, power]
        output_clusters: [ota, time]
    mappings:
      - {dp: 1, type: value, cluster: temperature, attribute: measured_value, converter: {name: scale, factor: 10}}
      - {dp: 2, type: value, cluster: humidity, attribute: measured_value, converter: {name: scale, factor: 10}}
      - {dp: 4, type: value, cluster: power, attribute: battery_percentage_remaining, converter: {name: scale, factor: 2}}
    constants:
      - {cluster: power, attribute: battery_size, value: 4}
      - {cluster: power, attribute: battery_quantity, value: 2}
      - {cluster: power, attribute: battery_rated_voltage, value: 15}
`

func parseOne(t *testing.T, name, data string) *DeviceProfile {
	t.Helper()
	_, profiles, err := ParseFile(name, []byte(data))
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	return &profiles[0]
}

func TestValidateSensorProfile(t *testing.T) {
	p := parseOne(t, "th.yaml", sensorYAML)
	require.NoError(t, p.Validate(testRegistry()))
	assert.True(t, p.Validated())

	ms := p.Lookup(1)
	require.Len(t, ms, 1)
	m := ms[0]
	assert.Equal(t, uint8(1), m.Endpoint)
	assert.Equal(t, uint16(0x0402), m.ClusterID)
	assert.Equal(t, uint16(0x0000), m.AttrID)
	assert.Equal(t, zcl.TypeInt16, m.ZCLType)
	assert.Equal(t, tuya.TypeValue, m.Type)
	assert.False(t, m.Writable())

	v, err := m.Convert(int64(237))
	require.NoError(t, err)
	assert.Equal(t, int64(2370), v)

	assert.Empty(t, p.Lookup(3))
	assert.Same(t, p.Lookup(4)[0], p.LookupTarget(1, 0x0001, 0x0021))
	assert.Nil(t, p.LookupTarget(2, 0x0001, 0x0021))

	consts := p.ConstantsFor(1, 0x0001)
	require.Len(t, consts, 3)
	assert.Equal(t, uint8(4), consts[0].Value)
	assert.Equal(t, uint16(0x0031), consts[0].AttrID)
	assert.Equal(t, uint8(1), p.ManufacturerEndpoint())
}

func TestValidateDuplicateTarget(t *testing.T) {
	p := parseOne(t, "dup.yaml", sensorYAML)
	p.Mappings = append(p.Mappings, AttributeMapping{
		DP: 1, Type: tuya.TypeValue, Cluster: "temperature", Attribute: "MeasuredValue",
	})

	err := p.Validate(testRegistry())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "th_sensor", verr.Profile)
	require.Len(t, verr.Problems, 1)
	assert.Contains(t, verr.Problems[0], "duplicate")
	assert.False(t, p.Validated())
}

func TestValidateListsEveryProblem(t *testing.T) {
	p := &DeviceProfile{
		Name: "broken",
		Replacement: Topology{
			1: {InputClusters: []ClusterRef{"tuya_manufacturer", "temperature", "pressure"}},
		},
		Mappings: []AttributeMapping{
			{DP: 1, Type: tuya.TypeBool, Cluster: "temperature", Attribute: "measured_value", Converter: ConverterSpec{Name: "scale"}},
			{DP: 2, Type: tuya.TypeValue, Cluster: "humidity", Attribute: "measured_value"},
			{DP: 3, Type: tuya.TypeValue, Cluster: "temperature", Attribute: "no_such_attr"},
			{DP: 4, Type: tuya.DPType(9), Cluster: "temperature", Attribute: "tolerance"},
			{DP: 5, Type: tuya.TypeValue, Cluster: "temperature"},
		},
		Constants: []Constant{
			{Cluster: "temperature", Attribute: "min_measured_value", Value: 70000},
		},
	}

	err := p.Validate(testRegistry())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	want := []string{
		"no models",
		`unknown cluster "pressure"`,
		"converter scale does not accept bool input",
		"not on any replacement endpoint",
		`no attribute "no_such_attr"`,
		"unknown dp type",
		"exactly one of attribute or command",
		"overflows int16",
	}
	require.Len(t, verr.Problems, len(want), verr.Problems)
	for _, w := range want {
		found := false
		for _, p := range verr.Problems {
			if strings.Contains(p, w) {
				found = true
				break
			}
		}
		assert.True(t, found, "missing problem %q in %v", w, verr.Problems)
	}
}

func TestValidateConstantAlsoMapped(t *testing.T) {
	p := parseOne(t, "th.yaml", sensorYAML)
	p.Constants = append(p.Constants, Constant{Cluster: "power", Attribute: "battery_percentage_remaining", Value: 200})
	err := p.Validate(testRegistry())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "also fed by a data point")
}

func TestCommandMapping(t *testing.T) {
	p := &DeviceProfile{
		Name:        "switch",
		Models:      []ModelInfo{{Manufacturer: "_TZE200_test", Model: "TS0601"}},
		Replacement: Topology{1: {InputClusters: []ClusterRef{"tuya_manufacturer", "on_off"}}},
		Mappings: []AttributeMapping{
			{DP: 1, Type: tuya.TypeBool, Cluster: "on_off", Attribute: "on_off", Inverse: &ConverterSpec{}},
			{DP: 1, Type: tuya.TypeBool, Cluster: "on_off", Command: "on", Value: true},
			{DP: 1, Type: tuya.TypeBool, Cluster: "on_off", Command: "off", Value: false},
			{DP: 1, Type: tuya.TypeBool, Cluster: "on_off", Command: "toggle"},
		},
	}
	err := p.Validate(testRegistry())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Problems, 1)
	assert.Contains(t, verr.Problems[0], "needs an inverse or a value")

	p.Mappings = p.Mappings[:3]
	require.NoError(t, p.Validate(testRegistry()))

	on := p.LookupCommand(1, 0x0006, 0x01)
	require.NotNil(t, on)
	assert.Equal(t, true, on.Value)
	assert.True(t, on.Writable())

	attr := p.LookupTarget(1, 0x0006, 0x0000)
	require.NotNil(t, attr)
	assert.True(t, attr.Writable())
	v, err := attr.ConvertInverse(true)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestInverseOutputMustFitDPType(t *testing.T) {
	newProfile := func(typ tuya.DPType, inverse ConverterSpec) *DeviceProfile {
		return &DeviceProfile{
			Name:        "switch",
			Models:      []ModelInfo{{Manufacturer: "_TZE200_test", Model: "TS0601"}},
			Replacement: Topology{1: {InputClusters: []ClusterRef{"tuya_manufacturer", "on_off"}}},
			Mappings: []AttributeMapping{
				{DP: 1, Type: typ, Cluster: "on_off", Attribute: "on_off", Inverse: &inverse},
			},
		}
	}

	err := newProfile(tuya.TypeBool, ConverterSpec{Name: "scale", Factor: 2}).Validate(testRegistry())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "inverse scale does not produce bool output")

	err = newProfile(tuya.TypeEnum, ConverterSpec{Name: "invert"}).Validate(testRegistry())
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "inverse invert does not produce enum output")

	require.NoError(t, newProfile(tuya.TypeEnum, ConverterSpec{Name: "bool_to_int"}).Validate(testRegistry()))
	require.NoError(t, newProfile(tuya.TypeValue, ConverterSpec{Name: "lua", Expr: "x and 1 or 0"}).Validate(testRegistry()))
}

func TestMatch(t *testing.T) {
	p := parseOne(t, "th.yaml", sensorYAML)
	require.NoError(t, p.Validate(testRegistry()))
	db := NewDB()
	db.Add(p)

	id := Identity{Manufacturer: "_TZE200_bjawzodf", Model: "TS0601"}
	sig := map[uint8]Descriptor{
		1: {ProfileID: 0x0104, DeviceType: 0x0051, InputClusters: []uint16{0x0004, 0x0005, 0xEF00, 0x0000}, OutputClusters: []uint16{0x0019, 0x000A}},
	}

	assert.Same(t, p, db.Match(id, sig))
	assert.Same(t, p, db.Match(id, nil))
	assert.Nil(t, db.Match(Identity{Manufacturer: "_TZE200_other", Model: "TS0601"}, sig))

	sig[1] = Descriptor{ProfileID: 0x0104, DeviceType: 0x0051, InputClusters: []uint16{0x0000, 0xEF00}, OutputClusters: []uint16{0x0019, 0x000A}}
	assert.Nil(t, db.Match(id, sig))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sensor.yaml"), []byte(sensorYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("profiles: [{name: x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contact.json"), []byte(`{
  "clusters": [{"id": 61184, "attributes": [{"id": 1, "name": "TuyaRawContact", "type": 16, "access": 1}]}],
  "profiles": [
    {
      "name": "contact",
      "models": [{"manufacturer": "_TZE200_contact", "model": "TS0601"}],
      "replacement": {"1": {"profile_id": 260, "device_type": 1026, "input_clusters": [61184, "binary_input"]}},
      "mappings": [
        {"dp": 1, "type": "bool", "cluster": "binary_input", "attribute": "present_value", "converter": "invert"}
      ]
    },
    {
      "name": "invalid",
      "models": [{"manufacturer": "_TZE200_bad", "model": "TS0601"}],
      "replacement": {"1": {"input_clusters": ["binary_input"]}},
      "mappings": [{"dp": 1, "type": "bool", "cluster": "binary_input", "attribute": "present_value", "converter": "scale"}]
    }
  ]
}`), 0o644))

	reg := testRegistry()
	db, err := LoadDir(dir, reg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, db.Len())

	contact := db.Get("contact")
	require.NotNil(t, contact)
	assert.Equal(t, "invert", contact.Mappings[0].Converter.Name)
	assert.Nil(t, db.Get("invalid"))

	// the custom attribute from the json file was merged into the registry
	assert.NotNil(t, reg.Get(0xEF00).FindAttributeByName("tuya_raw_contact"))

	all := db.All()
	require.Len(t, all, 2)
	assert.Equal(t, "contact", all[0].Name)
	assert.Equal(t, "th_sensor", all[1].Name)
}

func TestLoadDirClustersNeedAcceptedProfile(t *testing.T) {
	dir := t.TempDir()
	// every profile in this file is rejected, so its cluster stays out
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_rejected.yaml"), []byte(`
clusters:
  - {id: 0xFC00, key: vendor_private, name: VendorPrivate, attributes: [{id: 1, name: Level, type: 0x20, access: 1}]}
profiles:
  - name: rejected
    models: [{manufacturer: _TZE200_rej, model: TS0601}]
    replacement: {1: {input_clusters: [vendor_private]}}
    mappings:
      - {dp: 1, type: bool, cluster: vendor_private, attribute: level, converter: scale}
`), 0o644))
	// redefines temperature measured_value as uint8
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_conflict.yaml"), []byte(`
clusters:
  - {id: 0x0402, attributes: [{id: 0, name: MeasuredValue, type: 0x20, access: 1}, {id: 0x00F0, name: Extra, type: 0x20, access: 1}]}
profiles:
  - name: conflict
    models: [{manufacturer: _TZE200_cfl, model: TS0601}]
    replacement: {1: {input_clusters: [temperature]}}
    mappings:
      - {dp: 1, type: value, cluster: temperature, attribute: measured_value}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c_sensor.yaml"), []byte(sensorYAML), 0o644))

	reg := testRegistry()
	db, err := LoadDir(dir, reg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, db.Len())
	assert.NotNil(t, db.Get("th_sensor"))
	assert.Nil(t, db.Get("rejected"))
	assert.Nil(t, db.Get("conflict"))

	assert.Nil(t, reg.Resolve("vendor_private"))
	temp := reg.Get(0x0402)
	require.NotNil(t, temp)
	assert.Equal(t, zcl.TypeInt16, temp.FindAttribute(0).Type)
	assert.Nil(t, temp.FindAttribute(0x00F0))
}

func TestLoadDirMissing(t *testing.T) {
	db, err := LoadDir(filepath.Join(t.TempDir(), "nope"), testRegistry(), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, db.Len())
}
