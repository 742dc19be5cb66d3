package main

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mcdev12/subasta/go/internal/auction/client"
)

const winner = "127.0.0.1:5555"

func TestPrintOutcome(t *testing.T) {
	tests := []struct {
		name    string
		self    string
		lastBid string
		outcome client.Outcome
		want    string
		notWant string
	}{
		{
			name:    "winner that led",
			self:    winner,
			lastBid: "10",
			outcome: client.Outcome{WinnerID: winner, WinningAmount: decimal.NewFromInt(10)},
			want:    "GANASTE",
			notWant: "Perdiste",
		},
		{
			name:    "winner that never led",
			lastBid: "10",
			outcome: client.Outcome{WinnerID: winner, WinningAmount: decimal.NewFromInt(10)},
			want:    "GANASTE",
			notWant: "Perdiste",
		},
		{
			name:    "outbid",
			self:    "127.0.0.1:6666",
			lastBid: "7.5",
			outcome: client.Outcome{WinnerID: winner, WinningAmount: decimal.NewFromInt(10)},
			want:    "Perdiste por $2.50",
			notWant: "GANASTE",
		},
		{
			name:    "never led and outbid",
			lastBid: "4",
			outcome: client.Outcome{WinnerID: winner, WinningAmount: decimal.NewFromInt(10)},
			want:    "Perdiste por $6.00",
			notWant: "GANASTE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			printOutcome(&out, tt.self, decimal.RequireFromString(tt.lastBid), tt.outcome, nil)
			assert.Contains(t, out.String(), "Ganador: "+winner)
			assert.Contains(t, out.String(), tt.want)
			assert.NotContains(t, out.String(), tt.notWant)
		})
	}
}

func TestPrintOutcome_NoWinner(t *testing.T) {
	var out bytes.Buffer
	printOutcome(&out, "", decimal.NewFromInt(3), client.Outcome{}, client.ErrNoResult)
	assert.Contains(t, out.String(), "sin ganador")
	assert.NotContains(t, out.String(), "GANASTE")
}
