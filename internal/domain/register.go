package domain

// RegisterType represents the Modbus register type.
type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"             // Read/Write, 1 bit
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"   // Read-only, 1 bit
	RegisterTypeHoldingRegister RegisterType = "holding_register" // Read/Write, 16 bits
	RegisterTypeInputRegister   RegisterType = "input_register"   // Read-only, 16 bits
)

// MaxRegistersPerRequest is the Modbus limit for a single register read or FC16 write.
const MaxRegistersPerRequest = 125

// MaxBitsPerRequest is the Modbus limit for a single coil/discrete read.
const MaxBitsPerRequest = 2000

// Register locates a single value on a device.
type Register struct {
	Address uint16 `json:"address" yaml:"address"`

	// Type defaults to holding_register.
	Type RegisterType `json:"register_type,omitempty" yaml:"register_type,omitempty"`

	// Decimals is the fixed-point scale: a raw 1234 with Decimals=2 is 12.34.
	Decimals int32 `json:"decimals,omitempty" yaml:"decimals,omitempty"`

	// Signed interprets the raw word as int16.
	Signed bool `json:"signed,omitempty" yaml:"signed,omitempty"`
}

// Kind returns the register type with the default applied.
func (r Register) Kind() RegisterType {
	if r.Type == "" {
		return RegisterTypeHoldingRegister
	}
	return r.Type
}

// IsBit reports whether the register is a coil or discrete input.
func (r Register) IsBit() bool {
	k := r.Kind()
	return k == RegisterTypeCoil || k == RegisterTypeDiscreteInput
}

// Valid reports whether the register type is known.
func (r RegisterType) Valid() bool {
	switch r {
	case RegisterTypeCoil, RegisterTypeDiscreteInput, RegisterTypeHoldingRegister, RegisterTypeInputRegister, "":
		return true
	}
	return false
}
