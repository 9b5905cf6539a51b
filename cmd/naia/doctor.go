package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/naia/internal/config"
	"github.com/basket/naia/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: naia doctor [-json]")
			return 2
		}
	}

	// A config error is itself a finding; diagnose with what loaded.
	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version, doctor.Deps{})

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintln(out, titleStyle.Render("Naia Doctor Report")+" "+dimStyle.Render(diag.Timestamp.Format(time.RFC3339)))
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("System: %s/%s (%s) %s", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)))
	for _, res := range diag.Results {
		fmt.Fprintf(out, "%s %s%s\n", statusBadge(res.Status), labelStyle.Render(res.Name), res.Message)
		if res.Detail != "" {
			fmt.Fprintln(out, "     "+dimStyle.Render(res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
