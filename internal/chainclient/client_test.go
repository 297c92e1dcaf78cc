package chainclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/fantasim/utxo-recycler/internal/wallet"
)

const clientTestMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestConfirmations(t *testing.T) {
	tests := []struct {
		name   string
		tip    int64
		status esploraStatus
		want   int64
	}{
		{"unconfirmed", 100, esploraStatus{Confirmed: false}, 0},
		{"just mined, tip equals height", 100, esploraStatus{Confirmed: true, BlockHeight: 100}, 1},
		{"one behind tip", 101, esploraStatus{Confirmed: true, BlockHeight: 100}, 2},
		{"many behind tip", 106, esploraStatus{Confirmed: true, BlockHeight: 100}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := confirmations(tt.tip, tt.status); got != tt.want {
				t.Errorf("confirmations() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDepositInfo_AllConfirmed(t *testing.T) {
	h := int64(100)
	tests := []struct {
		name string
		info *DepositInfo
		want bool
	}{
		{"empty", &DepositInfo{}, false},
		{"all confirmed", &DepositInfo{Deposits: []Deposit{{Confirmations: 1, BlockHeight: &h}, {Confirmations: 3, BlockHeight: &h}}}, true},
		{"one unconfirmed", &DepositInfo{Deposits: []Deposit{{Confirmations: 1, BlockHeight: &h}, {Confirmations: 0}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.AllConfirmed(); got != tt.want {
				t.Errorf("AllConfirmed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDepositInfo_MinMaxBlockHeight(t *testing.T) {
	h1, h2 := int64(100), int64(150)

	mixed := &DepositInfo{Deposits: []Deposit{{BlockHeight: &h2}, {BlockHeight: &h1}}}
	if got := mixed.MinBlockHeight(); got == nil || *got != h1 {
		t.Errorf("MinBlockHeight() = %v, want %d", got, h1)
	}
	if got := mixed.MaxBlockHeight(); got == nil || *got != h2 {
		t.Errorf("MaxBlockHeight() = %v, want %d", got, h2)
	}

	withUnconfirmed := &DepositInfo{Deposits: []Deposit{{BlockHeight: &h1}, {BlockHeight: nil}}}
	if got := withUnconfirmed.MinBlockHeight(); got != nil {
		t.Errorf("MinBlockHeight() = %v, want nil (has unconfirmed deposit)", got)
	}
	if got := withUnconfirmed.MaxBlockHeight(); got != nil {
		t.Errorf("MaxBlockHeight() = %v, want nil (has unconfirmed deposit)", got)
	}
}

// fakeEsplora serves canned /tx/<id> responses for MaxInputValue tests.
func fakeEsplora(t *testing.T, txs map[string]esploraTx) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for txid, tx := range txs {
			if r.URL.Path == "/tx/"+txid {
				json.NewEncoder(w).Encode(tx)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestMaxInputValue_ResolvesLargestPrevout(t *testing.T) {
	srv := fakeEsplora(t, map[string]esploraTx{
		"tx1": {
			Txid: "tx1",
			Vin: []esploraVin{
				{Txid: "parent1", Prevout: &esploraPrevout{Value: 1000}},
				{Txid: "parent2", Prevout: &esploraPrevout{Value: 5000}},
			},
		},
	})
	defer srv.Close()

	c := &Client{backend: newEsploraBackend(srv.Client(), srv.URL, 100)}
	max, err := c.MaxInputValue(context.Background(), "tx1")
	if err != nil {
		t.Fatalf("MaxInputValue() error = %v", err)
	}
	if max == nil || *max != 5000 {
		t.Errorf("MaxInputValue() = %v, want 5000", max)
	}
}

func TestMaxInputValue_AllUnresolvedReturnsNil(t *testing.T) {
	srv := fakeEsplora(t, map[string]esploraTx{
		"tx1": {Txid: "tx1", Vin: []esploraVin{{Txid: "parent1", Prevout: nil}}},
	})
	defer srv.Close()

	c := &Client{backend: newEsploraBackend(srv.Client(), srv.URL, 100)}
	max, err := c.MaxInputValue(context.Background(), "tx1")
	if err != nil {
		t.Fatalf("MaxInputValue() error = %v", err)
	}
	if max != nil {
		t.Errorf("MaxInputValue() = %v, want nil when every input is unresolved", max)
	}
}

// fakeEsploraAddress serves a canned /address/<addr>/txs response.
func fakeEsploraAddress(t *testing.T, byAddress map[string][]esploraTx) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for addr, txs := range byAddress {
			if r.URL.Path == "/address/"+addr+"/txs" {
				json.NewEncoder(w).Encode(txs)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
}

func TestCheckAddress_OnlyCountsMatchingOutputs(t *testing.T) {
	seed, err := wallet.MnemonicToSeed(clientTestMnemonic)
	if err != nil {
		t.Fatalf("MnemonicToSeed() error = %v", err)
	}
	masterKey, err := wallet.DeriveMasterKey(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DeriveMasterKey() error = %v", err)
	}

	depositAddr, err := wallet.DeriveBTCAddress(masterKey, 0, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DeriveBTCAddress(0) error = %v", err)
	}
	otherAddr, err := wallet.DeriveBTCAddress(masterKey, 1, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DeriveBTCAddress(1) error = %v", err)
	}

	depositScript, err := addressScriptHex(depositAddr, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("addressScriptHex(deposit) error = %v", err)
	}
	otherScript, err := addressScriptHex(otherAddr, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("addressScriptHex(other) error = %v", err)
	}

	tx := esploraTx{
		Txid: "mixedtx",
		Vout: []esploraVout{
			{ScriptPubKey: depositScript, Value: 50000},
			{ScriptPubKey: otherScript, Value: 999999}, // change output, must not be counted
		},
		Status: esploraStatus{Confirmed: true, BlockHeight: 100},
	}

	srv := fakeEsploraAddress(t, map[string][]esploraTx{depositAddr: {tx}})
	defer srv.Close()

	c := &Client{net: &chaincfg.MainNetParams, backend: newEsploraBackend(srv.Client(), srv.URL, 100)}
	info, err := c.checkAddress(context.Background(), depositAddr, 106)
	if err != nil {
		t.Fatalf("checkAddress() error = %v", err)
	}
	if info == nil {
		t.Fatal("checkAddress() = nil, want a deposit matching the deposit-address output")
	}
	if info.AmountSats != 50000 {
		t.Errorf("AmountSats = %d, want 50000 (the change output to a different address must not be counted)", info.AmountSats)
	}
	if len(info.Deposits) != 1 {
		t.Fatalf("len(Deposits) = %d, want 1", len(info.Deposits))
	}
	if info.Deposits[0].AmountSats != 50000 {
		t.Errorf("Deposits[0].AmountSats = %d, want 50000", info.Deposits[0].AmountSats)
	}
}

func TestCheckAddress_NoMatchingOutputsReturnsNil(t *testing.T) {
	seed, err := wallet.MnemonicToSeed(clientTestMnemonic)
	if err != nil {
		t.Fatalf("MnemonicToSeed() error = %v", err)
	}
	masterKey, err := wallet.DeriveMasterKey(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DeriveMasterKey() error = %v", err)
	}

	depositAddr, err := wallet.DeriveBTCAddress(masterKey, 0, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DeriveBTCAddress(0) error = %v", err)
	}
	otherAddr, err := wallet.DeriveBTCAddress(masterKey, 1, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("DeriveBTCAddress(1) error = %v", err)
	}
	otherScript, err := addressScriptHex(otherAddr, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("addressScriptHex(other) error = %v", err)
	}

	// A transaction returned for the deposit address's txs list (e.g. it
	// also spends one of the address's own inputs) but whose only output
	// pays somewhere else entirely.
	tx := esploraTx{
		Txid:   "unrelatedtx",
		Vout:   []esploraVout{{ScriptPubKey: otherScript, Value: 12345}},
		Status: esploraStatus{Confirmed: true, BlockHeight: 100},
	}

	srv := fakeEsploraAddress(t, map[string][]esploraTx{depositAddr: {tx}})
	defer srv.Close()

	c := &Client{net: &chaincfg.MainNetParams, backend: newEsploraBackend(srv.Client(), srv.URL, 100)}
	info, err := c.checkAddress(context.Background(), depositAddr, 106)
	if err != nil {
		t.Fatalf("checkAddress() error = %v", err)
	}
	if info != nil {
		t.Errorf("checkAddress() = %+v, want nil when no output matches the deposit address", info)
	}
}

func TestMaxInputValueForMany_ConservativeOnAnyUnresolved(t *testing.T) {
	srv := fakeEsplora(t, map[string]esploraTx{
		"tx1": {Txid: "tx1", Vin: []esploraVin{{Txid: "p1", Prevout: &esploraPrevout{Value: 2000}}}},
		"tx2": {Txid: "tx2", Vin: []esploraVin{{Txid: "p2", Prevout: nil}}},
	})
	defer srv.Close()

	c := &Client{backend: newEsploraBackend(srv.Client(), srv.URL, 100)}
	max, err := c.MaxInputValueForMany(context.Background(), []string{"tx1", "tx2"})
	if err != nil {
		t.Fatalf("MaxInputValueForMany() error = %v", err)
	}
	if max != nil {
		t.Errorf("MaxInputValueForMany() = %v, want nil when any txid is unresolved", max)
	}
}
