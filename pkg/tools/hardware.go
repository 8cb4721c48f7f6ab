//go:build linux

package tools

import (
	"context"
	"fmt"
	"os"
)

// I2CTool advertises I2C read/write over the Linux /dev/i2c-N character
// device interface. Execute checks that the bus device exists and then
// returns an error: no transfer is performed. On non-Linux platforms see
// hardware_unsupported.go.
type I2CTool struct{}

func NewI2CTool() *I2CTool { return &I2CTool{} }

func (t *I2CTool) Name() string { return "i2c" }

func (t *I2CTool) Description() string {
	return "Read or write bytes on an I2C bus device (Linux only). Requires bus, address, and either a byte count to read or bytes to write."
}

func (t *I2CTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"bus":     map[string]interface{}{"type": "integer", "description": "I2C bus number, e.g. 1 for /dev/i2c-1"},
			"address": map[string]interface{}{"type": "integer", "description": "7-bit device address"},
			"action":  map[string]interface{}{"type": "string", "enum": []string{"read", "write"}},
			"length":  map[string]interface{}{"type": "integer", "description": "Bytes to read (action=read)"},
			"bytes":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}, "description": "Bytes to write (action=write)"},
		},
		"required": []string{"bus", "address", "action"},
	}
}

func (t *I2CTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	bus, _ := args["bus"].(float64)
	path := fmt.Sprintf("/dev/i2c-%d", int(bus))
	if _, err := os.Stat(path); err != nil {
		return ErrorResult(fmt.Sprintf("i2c bus unavailable: %v", err))
	}
	// Actual ioctl-based transfer is hardware-specific and intentionally
	// left as a stub: this tool's contract is the schema and availability
	// check, not a particular board's wiring.
	return ErrorResult("i2c transfer not implemented for this build")
}

// SPITool exercises a SPI device via /dev/spidevB.C, same caveats as I2CTool.
type SPITool struct{}

func NewSPITool() *SPITool { return &SPITool{} }

func (t *SPITool) Name() string { return "spi" }

func (t *SPITool) Description() string {
	return "Transfer bytes over a SPI device (Linux only, /dev/spidevB.C)."
}

func (t *SPITool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"bus":    map[string]interface{}{"type": "integer"},
			"device": map[string]interface{}{"type": "integer"},
			"bytes":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}},
		},
		"required": []string{"bus", "device", "bytes"},
	}
}

func (t *SPITool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	bus, _ := args["bus"].(float64)
	device, _ := args["device"].(float64)
	path := fmt.Sprintf("/dev/spidev%d.%d", int(bus), int(device))
	if _, err := os.Stat(path); err != nil {
		return ErrorResult(fmt.Sprintf("spi device unavailable: %v", err))
	}
	return ErrorResult("spi transfer not implemented for this build")
}
