// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command analyst is the command-line client for the AleutianAnalyst server.
//
// # Usage
//
//	analyst ask "quantos pedidos tivemos ontem?"
//	analyst chat
//	analyst feedback <response-id> negative -m "faltou o frete"
//	analyst validate "SELECT COUNT(*) FROM ecommerce.pedidos"
//	analyst conversation show <conversation-id>
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianAnalyst/pkg/ux"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errQueryRejected) {
			ux.Error(os.Stderr, err.Error())
		}
		stop()
		os.Exit(1)
	}
}
