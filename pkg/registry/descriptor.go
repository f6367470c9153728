// Package registry implements the fixed-capacity descriptor tables that
// back the agent's metrics and variables: a small in-memory table mapping
// (tag, key) to a label, a dotted path, and a data type, used both to
// validate reported values and to build the "meta" document the cloud
// needs to decode the wire format (spec.md §4.B).
//
// Grounded on original_source/components/esp_diagnostics/src/
// esp_diagnostics_metrics.c and esp_diagnostics_variables.c: a flat array
// with a linear tag+key scan, swap-with-last removal, and a single
// init/deinit guard. registry generalizes the two near-duplicate C tables
// into one generic type parameterized only by its fixed capacity.
package registry

// DataType identifies the wire representation of a reported value
// (original_source esp_diag_data_type_t).
type DataType int

const (
	// Bool is a single-byte boolean value.
	Bool DataType = iota
	// Int is a signed 32-bit integer.
	Int
	// UInt is an unsigned 32-bit integer.
	UInt
	// Float is an IEEE-754 single-precision float.
	Float
	// String is a short, length-prefixed UTF-8 string.
	String
	// IPv4 is a 4-byte address, reported as a uint32.
	IPv4
	// MAC is a 6-byte hardware address.
	MAC
	// Null marks a descriptor with no associated value, used for
	// config-only entries such as the reboot command's meta descriptor
	// (original_source's ESP_DIAG_DATA_TYPE_NULL).
	Null
)

func (t DataType) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case UInt:
		return "uint"
	case Float:
		return "float"
	case String:
		return "string"
	case IPv4:
		return "ipv4"
	case MAC:
		return "mac"
	case Null:
		return "null"
	default:
		return "unknown"
	}
}

func (t DataType) valid() bool {
	return t >= Bool && t <= Null
}

// Descriptor is one registered metric or variable: the (tag, key) pair
// that identifies it on the wire, a human label, a dotted reporting path,
// and the data type of values reported under it.
type Descriptor struct {
	Tag   string
	Key   string
	Label string
	Path  string
	Type  DataType
}
