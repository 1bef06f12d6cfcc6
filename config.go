// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the engine configuration surface. Addresses arrive from the
// config file as hex strings, matching the register-map conventions of
// the controllers this engine talks to.
type Config struct {
	// Device address on the Modbus channel.
	Address byte
	// ResponseAddress, when >= 0, is an alternate address accepted on
	// response frames. Some controllers answer from a different unit id
	// than the one addressed.
	ResponseAddress int

	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     string // "N", "E" or "O"

	Host string
	Port int
	// ModbusTCP selects MBAP framing over the socket; when only
	// UseSerialTCP is set the socket carries raw RTU frames.
	ModbusTCP    bool
	UseSerialTCP bool

	// UseFC4 reads holding registers with function code 4 for devices
	// that only implement input-register reads.
	UseFC4 bool
	// AdditionalTimeout is an operator-configured allowance in seconds
	// added to the transaction timeout budget.
	AdditionalTimeout float64
	// SlowCPU widens the parse-poll interval on constrained hosts.
	SlowCPU bool
	// AlternateFileProtocol disables the empirical length adjustment in
	// file-record reads.
	AlternateFileProtocol bool

	// SimFile seeds the simulated transport from a register dump; when
	// set (or SimImage is set) the engine runs against the simulator.
	SimFile string
	// SimImage is the path of the simulator's memory-mapped store.
	SimImage string
}

type rawConfig struct {
	Address               string  `mapstructure:"address"`
	ResponseAddress       string  `mapstructure:"response_address"`
	SerialPort            string  `mapstructure:"port"`
	BaudRate              int     `mapstructure:"rate"`
	DataBits              int     `mapstructure:"data_bits"`
	StopBits              int     `mapstructure:"stop_bits"`
	Parity                string  `mapstructure:"parity"`
	Host                  string  `mapstructure:"host"`
	Port                  int     `mapstructure:"tcp_port"`
	ModbusTCP             bool    `mapstructure:"modbus_tcp"`
	UseSerialTCP          bool    `mapstructure:"use_serial_tcp"`
	UseFC4                bool    `mapstructure:"use_modbus_fc4"`
	AdditionalTimeout     float64 `mapstructure:"additional_modbus_timeout"`
	SlowCPU               bool    `mapstructure:"optimize_for_slower_cpu"`
	AlternateFileProtocol bool    `mapstructure:"alternate_file_protocol"`
	SimFile               string  `mapstructure:"sim_file"`
	SimImage              string  `mapstructure:"sim_image"`
}

// LoadConfig reads an engine configuration file (any format viper
// understands, selected by extension).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("address", "9d")
	v.SetDefault("response_address", "")
	v.SetDefault("port", "/dev/serial0")
	v.SetDefault("rate", 9600)
	v.SetDefault("data_bits", 8)
	v.SetDefault("stop_bits", 1)
	v.SetDefault("parity", "N")
	v.SetDefault("tcp_port", 502)
	v.SetDefault("additional_modbus_timeout", 0.0)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("modbus: cannot read config %s: %w", path, err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("modbus: cannot parse config %s: %w", path, err)
	}
	return raw.toConfig()
}

func (r *rawConfig) toConfig() (*Config, error) {
	address, err := parseHexByte(r.Address)
	if err != nil {
		return nil, fmt.Errorf("modbus: invalid device address %q: %w", r.Address, err)
	}

	responseAddress := -1
	if strings.TrimSpace(r.ResponseAddress) != "" {
		alt, err := parseHexByte(r.ResponseAddress)
		if err != nil {
			return nil, fmt.Errorf("modbus: invalid response address %q: %w", r.ResponseAddress, err)
		}
		responseAddress = int(alt)
	}

	parity := strings.ToUpper(strings.TrimSpace(r.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return nil, fmt.Errorf("modbus: invalid parity %q", r.Parity)
	}

	return &Config{
		Address:               address,
		ResponseAddress:       responseAddress,
		SerialPort:            r.SerialPort,
		BaudRate:              r.BaudRate,
		DataBits:              r.DataBits,
		StopBits:              r.StopBits,
		Parity:                parity,
		Host:                  r.Host,
		Port:                  r.Port,
		ModbusTCP:             r.ModbusTCP,
		UseSerialTCP:          r.UseSerialTCP,
		UseFC4:                r.UseFC4,
		AdditionalTimeout:     r.AdditionalTimeout,
		SlowCPU:               r.SlowCPU,
		AlternateFileProtocol: r.AlternateFileProtocol,
		SimFile:               r.SimFile,
		SimImage:              r.SimImage,
	}, nil
}

func parseHexByte(s string) (byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(n), nil
}
