package ledger

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractInfo is a deployed contract's address and interface schema.
//
// It is persisted by the deployment tooling as a two-line file: the first
// line is the contract address, the second the ABI JSON. The daemon only
// ever reads these records.
type ContractInfo struct {
	Address common.Address
	ABI     abi.ABI
}

// LoadContractInfo reads a two-line contract info file
func LoadContractInfo(path string) (*ContractInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to read contract info %s: %w", path, err)
	}
	return ParseContractInfo(string(data))
}

// ParseContractInfo parses the two-line address + ABI JSON record
func ParseContractInfo(data string) (*ContractInfo, error) {
	lines := strings.SplitN(strings.TrimSpace(data), "\n", 2)
	if len(lines) != 2 {
		return nil, fmt.Errorf("ledger: contract info must have an address line and an ABI line")
	}

	addr := strings.TrimSpace(lines[0])
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", addr)
	}

	parsed, err := abi.JSON(strings.NewReader(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to parse contract ABI: %w", err)
	}

	return &ContractInfo{
		Address: common.HexToAddress(addr),
		ABI:     parsed,
	}, nil
}

// Event looks up a named event in the contract ABI
func (ci *ContractInfo) Event(name string) (abi.Event, error) {
	ev, ok := ci.ABI.Events[name]
	if !ok {
		return abi.Event{}, fmt.Errorf("ledger: contract has no event %q", name)
	}
	return ev, nil
}
