package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"uapk/pkg/agentsdk"
	"uapk/pkg/captoken"
	"uapk/pkg/models"

	"github.com/golang-jwt/jwt/v5"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "hash-action":
		return hashAction(args[1:], out)
	case "mint-token":
		return mintToken(args[1:], out)
	case "public-key":
		return publicKey(args[1:], out)
	case "verify-chain":
		return verifyChain(args[1:], out)
	case "approvals":
		return listApprovals(args[1:], out)
	case "approve":
		return decideApproval(args[1:], out, true)
	case "deny":
		return decideApproval(args[1:], out, false)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "uapkctl commands:")
	fmt.Fprintln(out, "  gen-key --out-private private.key --out-public public.key")
	fmt.Fprintln(out, "  hash-action --action action.json")
	fmt.Fprintln(out, "  mint-token --claims claims.json --private private.key --ttl-sec 3600")
	fmt.Fprintln(out, "  public-key --gateway http://localhost:8080")
	fmt.Fprintln(out, "  verify-chain --gateway http://localhost:8080 --org org-1")
	fmt.Fprintln(out, "  approvals --gateway http://localhost:8080 --org org-1")
	fmt.Fprintln(out, "  approve --gateway http://localhost:8080 --org org-1 --id <approval> --by ops@example.com")
	fmt.Fprintln(out, "  deny --gateway http://localhost:8080 --org org-1 --id <approval> --by ops@example.com")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func gatewayFlags(fs *flag.FlagSet) (gateway, token *string) {
	gateway = fs.String("gateway", os.Getenv("UAPK_GATEWAY_URL"), "gateway base URL")
	token = fs.String("token", os.Getenv("UAPK_TOKEN"), "bearer token")
	return gateway, token
}

func newSDKClient(gateway, token string) (*agentsdk.Client, error) {
	if gateway == "" {
		return nil, errors.New("gateway URL required (--gateway or UAPK_GATEWAY_URL)")
	}
	c := agentsdk.NewClient(gateway, 10*time.Second)
	c.AuthToken = token
	return c, nil
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "private.key", "private key output")
	outPub := fs.String("out-public", "public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

func hashAction(args []string, out io.Writer) error {
	fs := newFlagSet("hash-action")
	actionPath := fs.String("action", "", "action json path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *actionPath == "" {
		return errors.New("action required")
	}
	raw, err := os.ReadFile(*actionPath)
	if err != nil {
		return fmt.Errorf("read action: %w", err)
	}
	var action models.Action
	if err := json.Unmarshal(raw, &action); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	hash, err := models.HashAction(action)
	if err != nil {
		return fmt.Errorf("hash action: %w", err)
	}
	fmt.Fprintln(out, hash)
	return nil
}

func mintToken(args []string, out io.Writer) error {
	fs := newFlagSet("mint-token")
	claimsPath := fs.String("claims", "", "claims json path")
	privatePath := fs.String("private", "", "base64 private key path")
	ttlSec := fs.Int("ttl-sec", 3600, "token lifetime in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *claimsPath == "" || *privatePath == "" {
		return errors.New("claims and private required")
	}
	raw, err := os.ReadFile(*claimsPath)
	if err != nil {
		return fmt.Errorf("read claims: %w", err)
	}
	var claims captoken.Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return fmt.Errorf("decode claims: %w", err)
	}
	if claims.IssuerID == "" || claims.OrgID == "" || claims.AgentID == "" || claims.UAPKID == "" {
		return errors.New("claims must set issuer_id, org_id, agent_id, uapk_id")
	}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().UTC().Add(time.Duration(*ttlSec) * time.Second))

	pkRaw, err := os.ReadFile(*privatePath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(string(pkRaw))
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(privBytes) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(privBytes)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(privBytes)
	default:
		return fmt.Errorf("decode private key: invalid size %d", len(privBytes))
	}
	signed, err := captoken.Mint(priv, claims)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Fprintln(out, signed)
	return nil
}

func publicKey(args []string, out io.Writer) error {
	fs := newFlagSet("public-key")
	gateway, token := gatewayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := newSDKClient(*gateway, *token)
	if err != nil {
		return err
	}
	key, err := client.PublicKey(context.Background())
	if err != nil {
		return fmt.Errorf("fetch public key: %w", err)
	}
	fmt.Fprintln(out, key)
	return nil
}

func verifyChain(args []string, out io.Writer) error {
	fs := newFlagSet("verify-chain")
	gateway, token := gatewayFlags(fs)
	org := fs.String("org", "", "org id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return errors.New("org required")
	}
	client, err := newSDKClient(*gateway, *token)
	if err != nil {
		return err
	}
	report, err := client.VerifyChain(context.Background(), *org)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	return printJSON(out, report)
}

func listApprovals(args []string, out io.Writer) error {
	fs := newFlagSet("approvals")
	gateway, token := gatewayFlags(fs)
	org := fs.String("org", "", "org id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" {
		return errors.New("org required")
	}
	client, err := newSDKClient(*gateway, *token)
	if err != nil {
		return err
	}
	approvals, err := client.PendingApprovals(context.Background(), *org)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	return printJSON(out, approvals)
}

func decideApproval(args []string, out io.Writer, approve bool) error {
	name := "deny"
	if approve {
		name = "approve"
	}
	fs := newFlagSet(name)
	gateway, token := gatewayFlags(fs)
	org := fs.String("org", "", "org id")
	id := fs.String("id", "", "approval id")
	by := fs.String("by", "", "decider identity")
	notes := fs.String("notes", "", "decision notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *org == "" || *id == "" || *by == "" {
		return errors.New("org, id, by required")
	}
	client, err := newSDKClient(*gateway, *token)
	if err != nil {
		return err
	}
	var decision agentsdk.ApprovalDecision
	if approve {
		decision, err = client.Approve(context.Background(), *org, *id, *by, *notes)
	} else {
		decision, err = client.Deny(context.Background(), *org, *id, *by, *notes)
	}
	if err != nil {
		return fmt.Errorf("%s approval: %w", name, err)
	}
	return printJSON(out, decision)
}

func printJSON(out io.Writer, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
