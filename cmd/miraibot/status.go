package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-resty/resty/v2"
	"github.com/keepmind9/miraibot/internal/core"
	"github.com/keepmind9/miraibot/internal/transport"
	"github.com/keepmind9/miraibot/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	statusConfigFile string
	statusJSON       bool
)

// StatusOutput is what the status command reports
type StatusOutput struct {
	Gateway        string             `json:"gateway"`
	GatewayVersion string             `json:"gateway_version,omitempty"`
	GatewayError   string             `json:"gateway_error,omitempty"`
	Runtime        *core.HealthReport `json:"runtime,omitempty"`
	RuntimeError   string             `json:"runtime_error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway and runtime status",
	Long: `Query the gateway's /about endpoint for its version and, when the
metrics server is enabled, the local runtime's health endpoint.`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile := findConfigFile(statusConfigFile)
		if configFile == "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "No configuration file found; use --config")
			os.Exit(1)
		}
		cfg, err := core.LoadConfig(configFile)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed to load config: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), constants.StatusRequestTimeout)
		defer cancel()

		status := queryStatus(ctx, cfg)
		outputStatus(cmd.OutOrStdout(), status, statusJSON)
		if status.GatewayError != "" {
			os.Exit(1)
		}
	},
}

// queryStatus asks the gateway for its version and the runtime for its
// health. The gateway is always queried over HTTP since /about is not
// available on the stream endpoint.
func queryStatus(ctx context.Context, cfg *core.Config) StatusOutput {
	gateway := fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	status := StatusOutput{Gateway: gateway}

	client := transport.NewHTTPTransport(gateway, constants.StatusRequestTimeout)
	defer client.Close()

	version, err := client.About(ctx)
	if err != nil {
		status.GatewayError = err.Error()
	} else {
		status.GatewayVersion = version
	}

	if cfg.MetricsServer.Port > 0 {
		report, err := queryHealth(ctx, fmt.Sprintf("http://127.0.0.1:%d", cfg.MetricsServer.Port))
		if err != nil {
			status.RuntimeError = err.Error()
		} else {
			status.Runtime = report
		}
	}
	return status
}

func queryHealth(ctx context.Context, baseURL string) (*core.HealthReport, error) {
	var report core.HealthReport
	resp, err := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(constants.StatusRequestTimeout).
		R().
		SetContext(ctx).
		SetResult(&report).
		Get(constants.HealthPath)
	if err != nil {
		return nil, fmt.Errorf("runtime unreachable: %w", err)
	}
	// The health endpoint answers 503 with a valid report while not running
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("runtime health returned status %d", resp.StatusCode())
	}
	if report.State == "" {
		if err := json.Unmarshal(resp.Body(), &report); err != nil {
			return nil, fmt.Errorf("invalid health report: %w", err)
		}
	}
	return &report, nil
}

func outputStatus(out io.Writer, status StatusOutput, jsonFormat bool) {
	if jsonFormat {
		output, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			fmt.Fprintf(out, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(out, string(output))
		return
	}

	fmt.Fprintln(out, "miraibot status:")
	fmt.Fprintf(out, "  Gateway: %s\n", status.Gateway)
	if status.GatewayError != "" {
		fmt.Fprintf(out, "  Gateway error: %s\n", status.GatewayError)
	} else {
		fmt.Fprintf(out, "  Gateway version: %s\n", status.GatewayVersion)
	}

	switch {
	case status.Runtime != nil:
		r := status.Runtime
		fmt.Fprintf(out, "  Runtime: %s (%s, qq %d)\n", r.State, r.Adapter, r.QQ)
		fmt.Fprintf(out, "  Workers: %d units, %d queued, %d processed, %d failed\n",
			r.Pool.Units, r.Pool.Queued, r.Pool.Processed, r.Pool.Failed)
		fmt.Fprintf(out, "  Pending requests: %d\n", r.Pending)
		fmt.Fprintf(out, "  Jobs: %d\n", r.Jobs)
	case status.RuntimeError != "":
		fmt.Fprintf(out, "  Runtime error: %s\n", status.RuntimeError)
	default:
		fmt.Fprintln(out, "  Runtime: metrics server disabled")
	}
}

func init() {
	statusCmd.Flags().StringVarP(&statusConfigFile, "config", "c", "", "Configuration file path")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
}
