package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"bourse/internal/common"
	bourseNet "bourse/internal/net"
)

func main() {
	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange gateway")
	owner := flag.String("owner", "", "Client id (compulsory for place and cancel)")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel', 'book']")

	// Order Parameters
	ticker := flag.String("ticker", "AAPL", "Ticker symbol")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: 'limit' or 'market'")
	price := flag.Float64("price", 100.0, "Limit price")
	qtyStr := flag.String("qty", "10", "Quantity or comma-separated list (e.g. 10,20,50)")

	// Cancel Parameters
	uuid := flag.String("uuid", "", "UUID of the order to cancel")

	flag.Parse()

	act := strings.ToLower(*action)
	if *owner == "" && act != "book" {
		fmt.Println("Error: -owner is compulsory.")
		flag.Usage()
		os.Exit(1)
	}

	// Connect to Server
	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *owner)

	side := common.Buy
	if strings.ToLower(*sideStr) == "sell" {
		side = common.Sell
	}

	orderType := common.LimitOrder
	if strings.ToLower(*typeStr) == "market" {
		orderType = common.MarketOrder
	}

	// Every request gets exactly one report back.
	expected := 0
	switch act {
	case "place":
		for _, q := range parseQuantities(*qtyStr) {
			msg := bourseNet.NewOrderMessage{
				OrderType:  orderType,
				Side:       side,
				Ticker:     *ticker,
				LimitPrice: *price,
				Quantity:   q,
				Client:     *owner,
			}
			if _, err := conn.Write(msg.Encode()); err != nil {
				log.Printf("Failed to place order (Qty: %d): %v", q, err)
				continue
			}
			expected++
			fmt.Printf("-> Sent %s %s Order: %s %d @ %.2f\n",
				side, strings.ToUpper(*typeStr), *ticker, q, *price)
			time.Sleep(5 * time.Millisecond)
		}

	case "cancel":
		if *uuid == "" {
			log.Fatal("Error: -uuid is required for cancellation")
		}
		msg := bourseNet.CancelOrderMessage{OrderUUID: *uuid, Client: *owner}
		if _, err := conn.Write(msg.Encode()); err != nil {
			log.Fatalf("Failed to send cancel request: %v", err)
		}
		expected++
		fmt.Printf("-> Sent Cancel Request for UUID: %s\n", *uuid)

	case "book":
		msg := bourseNet.SnapshotMessage{Ticker: *ticker}
		if _, err := conn.Write(msg.Encode()); err != nil {
			log.Fatalf("Failed to send book request: %v", err)
		}
		expected++

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	reader := bufio.NewReader(conn)
	for ; expected > 0; expected-- {
		report, err := readReport(reader)
		if err != nil {
			if err != io.EOF {
				log.Printf("Connection lost: %v", err)
			}
			return
		}
		printReport(report)
	}
}

// parseQuantities splits a comma-separated string into a slice of uint64
func parseQuantities(input string) []uint64 {
	parts := strings.Split(input, ",")
	var result []uint64
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if val, err := strconv.ParseUint(p, 10, 64); err == nil {
			result = append(result, val)
		} else {
			log.Printf("Warning: Invalid quantity '%s', skipping.", p)
		}
	}
	return result
}

func readReport(r io.Reader) (bourseNet.Report, error) {
	header := make([]byte, bourseNet.FrameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return bourseNet.Report{}, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header))
	if _, err := io.ReadFull(r, payload); err != nil {
		return bourseNet.Report{}, err
	}
	return bourseNet.ParseReport(payload)
}

func printReport(report bourseNet.Report) {
	switch report.MessageType {
	case bourseNet.ExecutionReport:
		fmt.Printf("\n[EXECUTION] UUID: %s | Status: %s | Remaining: %d\n",
			report.OrderUUID, report.Status, report.Remaining)
		for _, f := range report.Fills {
			fmt.Printf("    fill %d @ %.2f vs %s\n", f.Quantity, f.Price, f.Counterparty)
		}
		if report.Err != "" {
			fmt.Printf("    error: %s\n", report.Err)
		}
	case bourseNet.CancelReport:
		fmt.Printf("\n[CANCEL] UUID: %s | Canceled: %t\n", report.OrderUUID, report.Canceled)
	case bourseNet.BookReport:
		fmt.Printf("\n[BOOK] %s (%d orders)\n", report.Ticker, len(report.Orders))
		for _, o := range report.Orders {
			fmt.Printf("    %-4s %8d @ %.2f  %s  %s\n", o.Side, o.Remaining, o.Price, o.Owner, o.UUID)
		}
	case bourseNet.ErrorReport:
		fmt.Printf("\n[SERVER ERROR] %s\n", report.Err)
	}
}
