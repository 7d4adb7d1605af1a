package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SystemProgramTransferInstruction is the System Program's Transfer discriminator.
const SystemProgramTransferInstruction = uint32(2)

// Transfer is a native SOL movement found in a transaction.
type Transfer struct {
	From     solana.PublicKey
	To       solana.PublicKey
	Lamports uint64
}

// parseTransfers extracts every top-level System Program transfer from a fetched
// transaction. Other instructions are ignored.
func parseTransfers(result *rpc.GetTransactionResult) ([]Transfer, error) {
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("transaction body not available")
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	accountKeys := tx.Message.AccountKeys
	var transfers []Transfer
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		if !accountKeys[instruction.ProgramIDIndex].Equals(solana.SystemProgramID) {
			continue
		}
		transfer, err := parseSystemTransfer(instruction, accountKeys)
		if err != nil {
			continue
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

// parseSystemTransfer decodes a System Program Transfer instruction:
//
//	data:     [0..4] instruction type (u32 LE, 2), [4..12] lamports (u64 LE)
//	accounts: [from, to]
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (Transfer, error) {
	if len(instruction.Data) < 12 {
		return Transfer{}, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return Transfer{}, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	if len(instruction.Accounts) < 2 {
		return Transfer{}, fmt.Errorf("transfer missing accounts")
	}
	fromIdx, toIdx := int(instruction.Accounts[0]), int(instruction.Accounts[1])
	if fromIdx >= len(accountKeys) || toIdx >= len(accountKeys) {
		return Transfer{}, fmt.Errorf("transfer account index out of bounds")
	}

	return Transfer{
		From:     accountKeys[fromIdx],
		To:       accountKeys[toIdx],
		Lamports: binary.LittleEndian.Uint64(instruction.Data[4:12]),
	}, nil
}
