package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Hammer one account with concurrent balance updates",
	Long: `Send many concurrent POST /update-balance requests for a single user and
report how many were applied (200) and how many were refused (400). With a
user starting at 10000 and an amount of -2, exactly 5000 requests succeed no
matter how many run at once.`,
	RunE: runLoadtest,
}

func init() {
	loadtestCmd.Flags().String("url", "http://localhost:4000", "Base URL of the balance server")
	loadtestCmd.Flags().Int64("user-id", 1, "Account to update")
	loadtestCmd.Flags().Int64("amount", -2, "Signed amount applied by every request")
	loadtestCmd.Flags().Int("requests", 10000, "Total number of requests")
	loadtestCmd.Flags().Int("concurrency", 100, "Number of concurrent clients")
	loadtestCmd.Flags().Duration("timeout", time.Minute, "Overall time limit")
}

// loadtestResult counts responses by class
type loadtestResult struct {
	OK           int64         `json:"ok"`
	Refused      int64         `json:"refused"`
	Insufficient int64         `json:"insufficient_funds"`
	Other        int64         `json:"other"`
	Errors       int64         `json:"errors"`
	Elapsed      time.Duration `json:"elapsed"`
}

type loadtestOptions struct {
	baseURL     string
	userID      int64
	amount      int64
	requests    int
	concurrency int
}

func runLoadtest(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	var opts loadtestOptions
	var err error
	if opts.baseURL, err = flags.GetString("url"); err != nil {
		return err
	}
	if opts.userID, err = flags.GetInt64("user-id"); err != nil {
		return err
	}
	if opts.amount, err = flags.GetInt64("amount"); err != nil {
		return err
	}
	if opts.requests, err = flags.GetInt("requests"); err != nil {
		return err
	}
	if opts.concurrency, err = flags.GetInt("concurrency"); err != nil {
		return err
	}
	timeout, err := flags.GetDuration("timeout")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	result, err := loadtest(ctx, http.DefaultClient, opts)
	if err != nil {
		return err
	}

	slog.Info("Load test finished",
		"ok", result.OK,
		"refused", result.Refused,
		"insufficient_funds", result.Insufficient,
		"other", result.Other,
		"errors", result.Errors,
		"elapsed", result.Elapsed)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func loadtest(ctx context.Context, client *http.Client, opts loadtestOptions) (*loadtestResult, error) {
	if opts.requests <= 0 || opts.concurrency <= 0 {
		return nil, fmt.Errorf("requests and concurrency must be greater than zero")
	}

	body, err := json.Marshal(map[string]int64{"userId": opts.userID, "amount": opts.amount})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(opts.baseURL, "/") + "/update-balance"

	var ok, refused, insufficient, other, failed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	for i := 0; i < opts.requests; i++ {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed.Add(1)
				return nil
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
				ok.Add(1)
				_, _ = io.Copy(io.Discard, resp.Body)
			case http.StatusBadRequest:
				refused.Add(1)
				var e struct {
					Error string `json:"error"`
				}
				if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error == "Insufficient funds" {
					insufficient.Add(1)
				}
			default:
				other.Add(1)
				_, _ = io.Copy(io.Discard, resp.Body)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load test aborted: %w", err)
	}

	return &loadtestResult{
		OK:           ok.Load(),
		Refused:      refused.Load(),
		Insufficient: insufficient.Load(),
		Other:        other.Load(),
		Errors:       failed.Load(),
		Elapsed:      time.Since(start),
	}, nil
}
