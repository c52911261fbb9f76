package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/moovy2/snitun/internal/config"
	"github.com/moovy2/snitun/internal/logx"
	"github.com/moovy2/snitun/pkg/multiplexer"
	"github.com/moovy2/snitun/pkg/peermanager"
	"github.com/moovy2/snitun/pkg/server"
	"github.com/moovy2/snitun/pkg/token"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logx.New(logx.Config{
		Level: config.GlobalCfg.Log.Level,
		Path:  config.GlobalCfg.Log.Path,
	})
	defer logger.Sync()

	logger.Info("snitun-server 启动...")

	tokens, err := token.NewRegistry(config.GlobalCfg.Server.ClientKeys)
	if err != nil {
		logger.Error("failed to load client keys", zap.Error(err))
		os.Exit(1)
	}

	peers := peermanager.New(logger)
	hs := &server.Handshake{
		Tokens:  tokens,
		Peers:   peers,
		Logger:  logger,
		Timeout: config.GlobalCfg.Server.HandshakeTimeout.Value(),
		MuxCfg: multiplexer.Config{
			HighWater: config.GlobalCfg.Server.HighWaterBytes,
			LowWater:  config.GlobalCfg.Server.LowWaterBytes,
			WriteCap:  config.GlobalCfg.Server.WriteCapBytes,
		},
		ThrottleBytesPerSec: config.GlobalCfg.Server.DefaultThrottleBytesPerSec,
	}
	dispatcher := server.NewDispatcher(peers, logger, config.GlobalCfg.Server.SNIReadTimeout.Value())

	reg := prometheus.NewRegistry()
	server.NewMetrics(reg)

	wg := &sync.WaitGroup{}
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := server.ListenTunnel(config.GlobalCfg.Server.TunnelListen, hs, logger); err != nil {
			logger.Error("tunnel listener exited")
		}
	}()
	go func() {
		defer wg.Done()
		if err := server.ListenSNI(config.GlobalCfg.Server.SNIListen, dispatcher, logger); err != nil {
			logger.Error("sni listener exited")
		}
	}()
	go func() {
		defer wg.Done()
		startedAt := time.Now()
		handler := server.PeerCheckHandler(peers, reg, startedAt)
		if err := http.ListenAndServe(config.GlobalCfg.Server.PeerCheckListen, handler); err != nil {
			logger.Error("peer-check listener exited")
		}
	}()

	wg.Wait()
	logger.Info("snitun-server 关闭...")
}
