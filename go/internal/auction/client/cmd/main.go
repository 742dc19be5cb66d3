package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcdev12/subasta/go/internal/auction/client"
	"github.com/mcdev12/subasta/go/internal/auction/protocol"
)

const separator = "-------------------------------------------"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	in := bufio.NewScanner(os.Stdin)

	fmt.Println("===========================================")
	fmt.Println("   SISTEMA DE SUBASTA EN TIEMPO REAL")
	fmt.Println("===========================================")

	host := prompt(in, "Nombre o IP del servidor de subasta: ", "localhost")
	port := prompt(in, "Puerto del servidor (default 8080): ", "8080")

	target := net.JoinHostPort(host, port)
	if strings.HasPrefix(host, "ws://") || strings.HasPrefix(host, "wss://") {
		target = host
	}

	fmt.Println(separator)
	fmt.Println("Conectando al servidor de subasta...")
	fmt.Println(separator)

	agent, err := client.Dial(ctx, target, client.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Str("target", target).Msg("failed to connect")
	}
	defer agent.Close()

	go printUpdates(agent.Updates())

	lastBid, ok := bidLoop(ctx, in, agent)
	if !ok {
		return
	}

	fmt.Println(" Esperando el resultado final...")
	outcome, err := agent.AwaitFinalResult(ctx)
	printOutcome(os.Stdout, agent.BidderID(), lastBid, outcome, err)
}

// bidLoop reads bids until the user quits or the round closes. It returns
// the last accepted bid, and false when there is no point waiting for a
// result.
func bidLoop(ctx context.Context, in *bufio.Scanner, agent *client.Agent) (decimal.Decimal, bool) {
	first := true
	lastBid := decimal.Zero
	for {
		label := " Ingrese nueva propuesta (o 'x' para salir): $"
		if first {
			label = " Ingrese su propuesta inicial (en dólares): $"
		}

		fmt.Print(label)
		if !in.Scan() {
			_ = agent.Terminate()
			return lastBid, true
		}
		input := strings.TrimSpace(in.Text())

		if strings.EqualFold(input, "x") {
			fmt.Println(" Saliendo de la subasta...")
			if err := agent.Terminate(); err != nil {
				return lastBid, false
			}
			return lastBid, true
		}

		amount, err := decimal.NewFromString(input)
		if err != nil {
			fmt.Println(" Entrada inválida. Debe ingresar un número.")
			continue
		}
		if !amount.IsPositive() {
			fmt.Println(" La propuesta debe ser mayor que 0. Intente nuevamente.")
			continue
		}

		res, err := agent.PlaceBid(ctx, amount)
		var rejected *client.RejectedError
		switch {
		case err == nil:
			first = false
			lastBid = amount
			printStatus(res, amount)
			if res.SecondsRemaining <= 0 {
				return lastBid, true
			}
		case errors.As(err, &rejected):
			fmt.Println(separator)
			fmt.Println(" " + rejected.Reason)
		case errors.Is(err, client.ErrTimeout):
			fmt.Println(" El servidor no respondió a tiempo.")
		default:
			// Closed connection: the round may still have delivered a result
			return lastBid, errors.Is(err, client.ErrClosed)
		}
	}
}

func prompt(in *bufio.Scanner, label, fallback string) string {
	fmt.Print(label)
	if !in.Scan() {
		return fallback
	}
	if text := strings.TrimSpace(in.Text()); text != "" {
		return text
	}
	return fallback
}

func printStatus(res client.Result, mine decimal.Decimal) {
	fmt.Println()
	fmt.Println(separator)
	fmt.Println("        ESTADO ACTUAL DE SUBASTA")
	fmt.Println(separator)
	fmt.Printf("   Propuesta más alta: $%s\n", protocol.FormatAmount(res.HighestAmount))
	fmt.Printf("   IP líder: %s\n", leaderOrNone(res.LeaderID))
	fmt.Printf("   Tiempo restante: %d segundos\n", res.SecondsRemaining)
	if res.Leading {
		fmt.Println("   ESTAS GANANDO LA SUBASTA!")
	} else {
		short := res.HighestAmount.Sub(mine)
		fmt.Printf("   Vas perdiendo por $%s\n", protocol.FormatAmount(short))
	}
	fmt.Println(separator)
}

func printUpdates(updates <-chan protocol.Message) {
	for msg := range updates {
		switch msg.Kind {
		case protocol.KindRoundStarted:
			fmt.Printf("\n [Subasta iniciada] Tiempo restante: %d segundos\n", msg.Status.SecondsRemaining)
		case protocol.KindBroadcast:
			fmt.Printf("\n [Actualización] Líder: %s  Monto: $%s  Tiempo: %ds\n",
				leaderOrNone(msg.Status.LeaderID),
				protocol.FormatAmount(msg.Status.HighestAmount),
				msg.Status.SecondsRemaining)
		case protocol.KindError:
			fmt.Printf("\n [Servidor] %s\n", msg.Reason)
		}
	}
}

func printOutcome(w io.Writer, self string, lastBid decimal.Decimal, outcome client.Outcome, err error) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "          RESULTADO DE LA SUBASTA")
	fmt.Fprintln(w, "===========================================")

	var rejected *client.RejectedError
	switch {
	case err == nil:
		fmt.Fprintf(w, "   Ganador: %s\n", outcome.WinnerID)
		fmt.Fprintf(w, "   Monto ganador: $%s\n", protocol.FormatAmount(outcome.WinningAmount))
		switch {
		case outcome.Won(self, lastBid):
			fmt.Fprintln(w, "   FELICIDADES, GANASTE LA SUBASTA!")
		case lastBid.IsPositive():
			short := outcome.WinningAmount.Sub(lastBid)
			fmt.Fprintf(w, "   Perdiste por $%s\n", protocol.FormatAmount(short))
		}
	case errors.As(err, &rejected):
		fmt.Fprintf(w, "   %s\n", rejected.Reason)
	case errors.Is(err, client.ErrNoResult):
		fmt.Fprintln(w, "   La subasta terminó sin ganador.")
	default:
		fmt.Fprintf(w, "   No se recibió el resultado: %v\n", err)
	}
	fmt.Fprintln(w, "===========================================")
}

func leaderOrNone(id string) string {
	if id == "" {
		return protocol.NoLeader
	}
	return id
}
