// Command agentpay is the caller-side wallet: it manages the local
// signing key, settles payment challenges, and submits reputation
// feedback.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vitwit/agentpay/ledger"
	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/registry"
	"github.com/vitwit/agentpay/types"
	"github.com/vitwit/agentpay/utils"
	"github.com/vitwit/agentpay/wallet"
)

const usage = `Usage: agentpay [flags] <command>

Commands:
  address    print the wallet address
  balance    print the on-chain balance
  pay        settle a payment challenge
  feedback   submit a reputation attestation
  card       fetch an agent's identity card
  reset      discard the key and generate a new one

Flags:
`

func main() {
	var (
		keyPath       = flag.String("key", "agent.key", "path to the wallet key file")
		rpcURL        = flag.String("rpc", "", "ledger RPC endpoint")
		reputationURL = flag.String("reputation", "", "reputation registry base URL")
		identityURL   = flag.String("identity", "", "identity registry base URL")
		logLevel      = flag.String("log-level", "warn", "log level (debug|info|warn|error)")

		to        = flag.String("to", "", "pay: receiving address from the challenge")
		requestID = flag.String("request", "", "pay: request id from the challenge")
		amount    = flag.String("amount", "", "pay: amount in native units, e.g. 0.001")
		wait      = flag.Bool("wait", false, "pay: block until the transaction confirms")

		agentID = flag.String("agent", "", "feedback: agent id to rate")
		rating  = flag.Int("rating", 0, "feedback: rating in 1..5")
		tags    = flag.String("tags", "", "feedback: comma-separated tags")
		comment = flag.String("comment", "", "feedback: free-form comment")
		proof   = flag.String("proof", "", "feedback: prior settlement tx hash to commit")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), cliOptions{
		keyPath:       *keyPath,
		rpcURL:        *rpcURL,
		reputationURL: *reputationURL,
		identityURL:   *identityURL,
		logLevel:      *logLevel,
		to:            *to,
		requestID:     *requestID,
		amount:        *amount,
		wait:          *wait,
		agentID:       *agentID,
		rating:        *rating,
		tags:          *tags,
		comment:       *comment,
		proof:         *proof,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "agentpay:", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	keyPath       string
	rpcURL        string
	reputationURL string
	identityURL   string
	logLevel      string

	to        string
	requestID string
	amount    string
	wait      bool

	agentID string
	rating  int
	tags    string
	comment string
	proof   string
}

func run(command string, opts cliOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	log := logger.NewZapLogger(opts.logLevel)

	var client ledger.Client
	if opts.rpcURL != "" {
		c, err := ledger.NewEVMClient(ctx, opts.rpcURL, 30*time.Second)
		if err != nil {
			return fmt.Errorf("connect ledger rpc: %w", err)
		}
		defer c.Close()
		client = c
	} else if command == "balance" || command == "pay" {
		return fmt.Errorf("command %q needs -rpc", command)
	}

	w, err := wallet.Load(opts.keyPath, client, wallet.WithLogger(log))
	if err != nil {
		return err
	}

	switch command {
	case "address":
		fmt.Println(w.Address().Hex())
		return nil

	case "balance":
		bal, err := w.Balance(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s wei)\n", utils.FromWei(bal).String(), bal.String())
		return nil

	case "pay":
		if opts.to == "" || opts.requestID == "" || opts.amount == "" {
			return fmt.Errorf("pay needs -to, -request, and -amount")
		}
		result, err := w.Pay(ctx, types.PaymentChallenge{
			Price:            opts.amount,
			ReceivingAddress: opts.to,
			RequestID:        opts.requestID,
		})
		if err != nil {
			return err
		}
		fmt.Println(result.TxHash)
		if opts.wait {
			if err := w.WaitForConfirmation(ctx, result.TxHash); err != nil {
				return err
			}
			fmt.Println("confirmed")
		}
		return nil

	case "feedback":
		if opts.reputationURL == "" {
			return fmt.Errorf("feedback needs -reputation")
		}
		rep := registry.NewClient("", opts.reputationURL, registry.WithLogger(log))
		var tagList []string
		if opts.tags != "" {
			tagList = strings.Split(opts.tags, ",")
		}
		if err := w.SubmitFeedback(ctx, rep, opts.agentID, opts.rating, tagList, opts.comment, opts.proof); err != nil {
			return err
		}
		fmt.Println("feedback submitted")
		return nil

	case "card":
		if opts.identityURL == "" || opts.agentID == "" {
			return fmt.Errorf("card needs -identity and -agent")
		}
		idr := registry.NewClient(opts.identityURL, "", registry.WithLogger(log))
		card, err := idr.AgentCard(ctx, opts.agentID)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", card.Name, card.AgentID)
		fmt.Println("address:", card.Address)
		if card.Endpoint != "" {
			fmt.Println("endpoint:", card.Endpoint)
		}
		for _, capability := range card.Capabilities {
			fmt.Println("capability:", capability)
		}
		return nil

	case "reset":
		if err := w.Reset(); err != nil {
			return err
		}
		fmt.Println(w.Address().Hex())
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}
