package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/spf13/cobra"
)

var (
	chainID uint16
	to      string
	value   uint64
	fee     uint64
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send funds to an account",
	Run:   sendRun,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Uint16VarP(&chainID, "chain", "c", 1, "Chain id for the transaction.")
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Account to send the funds to.")
	sendCmd.Flags().Uint64VarP(&value, "value", "v", 0, "Value to send.")
	sendCmd.Flags().Uint64VarP(&fee, "fee", "f", 1, "Fee to pay the miner.")
}

func sendRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}
	fromID := database.PublicKeyToAccountID(privateKey.PublicKey)

	toID, err := database.ToAccountID(to)
	if err != nil {
		log.Fatal(err)
	}

	// Ask the node which outputs the account can spend and which nonce to
	// use next.
	utxos := fetchUTXOs(fromID)
	nonce := fetchNextNonce(fromID)

	// Pick the largest outputs first until the value plus fee is covered.
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	var inputs []database.Outpoint
	var funds uint64
	for _, utxo := range utxos {
		inputs = append(inputs, utxo.Outpoint)
		funds += utxo.Value
		if funds >= value+fee {
			break
		}
	}
	if funds < value+fee {
		log.Fatalf("insufficient funds: have %d, need %d", funds, value+fee)
	}

	outputs := []database.TxOutput{{ToID: toID, Value: value}}
	if change := funds - value - fee; change > 0 {
		outputs = append(outputs, database.TxOutput{ToID: fromID, Value: change})
	}

	tx, err := database.NewTx(chainID, nonce, inputs, outputs)
	if err != nil {
		log.Fatal(err)
	}

	signedTx, err := tx.Sign(privateKey)
	if err != nil {
		log.Fatal(err)
	}

	data, err := json.Marshal(signedTx)
	if err != nil {
		log.Fatal(err)
	}

	resp, err := http.Post(fmt.Sprintf("%s/v1/tx/submit", url), "application/json", bytes.NewBuffer(data))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s\n", resp.Status, body)
}

func fetchUTXOs(account database.AccountID) []database.UTXO {
	resp, err := http.Get(fmt.Sprintf("%s/v1/accounts/utxo/%s", url, account))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var utxos []database.UTXO
	if err := json.NewDecoder(resp.Body).Decode(&utxos); err != nil {
		log.Fatal(err)
	}
	return utxos
}

func fetchNextNonce(account database.AccountID) uint64 {
	resp, err := http.Get(fmt.Sprintf("%s/v1/accounts/nonce/%s", url, account))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var result struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Fatal(err)
	}
	return result.Nonce
}
