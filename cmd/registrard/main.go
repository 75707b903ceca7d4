package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sebas/registrard/internal/banner"
	"github.com/sebas/registrard/internal/logger"
	"github.com/sebas/registrard/internal/registrar/app"
	"github.com/sebas/registrard/internal/registrar/config"
)

func main() {
	cfg := config.Load()

	logger.Init(os.Stdout, cfg.LogLevel)

	registrar, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create registrar server", "error", err)
		os.Exit(1)
	}
	defer registrar.Close()

	run(registrar, cfg)
}

func run(registrar *app.Registrard, cfg *config.Config) {
	storeKind := "memory"
	if cfg.PostgresDSN != "" {
		storeKind = "postgres"
	}
	banner.Print("Registrard SIP Registrar", []banner.ConfigLine{
		{Label: "SIP listen", Value: fmt.Sprintf("%s:%d (udp)", cfg.BindAddr, cfg.Port)},
		{Label: "Admin API", Value: cfg.APIAddr},
		{Label: "Binding store", Value: storeKind},
		{Label: "Accounts file", Value: cfg.AccountsPath},
		{Label: "Max bindings", Value: strconv.Itoa(cfg.MaxBindingsPerAccount)},
	})

	slog.Info("Starting SIP registrar",
		"port", cfg.Port,
		"api", cfg.APIAddr,
	)
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := registrar.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
