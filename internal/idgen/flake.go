// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


package idgen

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sony/sonyflake"
)

var flakeEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// InstanceGenerator returns the process-wide generator used to tag a process
// instance in logs and telemetry. It is built on first use.
var InstanceGenerator = sync.OnceValues(NewFlakeGenerator)

// SonyFlakeGenerator wraps sonyflake with a machine id that does not depend
// on the host having a private IPv4 address.
type SonyFlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

// NewFlakeGenerator builds a generator keyed by hostMachineID.
func NewFlakeGenerator() (*SonyFlakeGenerator, error) {
	return newFlakeGenerator(hostMachineID)
}

func newFlakeGenerator(machineID func() (uint16, error)) (*SonyFlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: flakeEpoch,
		MachineID: machineID,
	})
	if err != nil {
		return nil, fmt.Errorf("sonyflake: %w", err)
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &SonyFlakeGenerator{sf: sf}, nil
}

// hostMachineID derives 16 bits from hostname and pid, so two runs on one
// host rarely share an id. Random when the hostname is unavailable.
func hostMachineID() (uint16, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uint16(rand.UintN(1 << 16)), nil
	}
	return uint16(xxhash.Sum64String(fmt.Sprintf("%s/%d", host, os.Getpid()))), nil
}

// NextID returns a positive int64 that increases roughly in time order.
// Falls back to a random value if the clock has run past sonyflake's range.
func (sf *SonyFlakeGenerator) NextID() int64 {
	v, err := sf.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}

// InstanceID returns an id for this process, or a random positive value if
// no generator could be built.
func InstanceID() int64 {
	g, err := InstanceGenerator()
	if err != nil {
		return rand.Int64()
	}
	return g.NextID()
}
