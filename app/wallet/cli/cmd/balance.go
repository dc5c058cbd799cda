package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/spf13/cobra"
)

type balance struct {
	Account database.AccountID `json:"account"`
	Balance uint64             `json:"balance"`
	UTXOs   int                `json:"utxos"`
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print your balance",
	Run:   balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func balanceRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}

	accountID := database.PublicKeyToAccountID(privateKey.PublicKey)
	fmt.Println("for account:", accountID)

	resp, err := http.Get(fmt.Sprintf("%s/v1/accounts/balance/%s", url, accountID))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var bal balance
	if err := json.NewDecoder(resp.Body).Decode(&bal); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("balance: %d across %d outputs\n", bal.Balance, bal.UTXOs)
}
