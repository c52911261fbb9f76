package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/moovy2/snitun/internal/config"
	"github.com/moovy2/snitun/internal/logx"
	"github.com/moovy2/snitun/pkg/client"
	"github.com/moovy2/snitun/pkg/multiplexer"
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
		Level:   config.GlobalCfg.Log.Level,
		Path:    config.GlobalCfg.Log.Path,
		Console: true,
	})
	defer logger.Sync()

	logger.Info("snitun-client 启动...")

	cc := config.GlobalCfg.Client
	tok, aesKey, aesIV, err := decodeTokenBundle(cc.Token)
	if err != nil {
		logger.Error("failed to decode client.token", zap.Error(err))
		os.Exit(1)
	}

	worker := client.New(client.Config{
		TunnelAddress: cc.TunnelAddress,
		LocalEndpoint: cc.LocalEndpoint,
		Token:         tok,
		AESKey:        aesKey,
		AESIV:         aesIV,
		Keepalive:     time.Duration(cc.KeepaliveSec) * time.Second,
		MuxCfg:        multiplexer.Config{},
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker.Run(ctx)
	logger.Info("snitun-client 关闭...")
}

// decodeTokenBundle splits the configured client.token field, which carries
// base64(fernet_token) + "." + base64(aes_key) + "." + base64(aes_iv): the
// AES material a client needs to build its multiplexer codec is handed to
// it out of band by the same issuer that mints the token, not recoverable
// from the token itself (the server alone holds the pre-shared Fernet key
// needed to decrypt it).
func decodeTokenBundle(bundle string) (tok, aesKey, aesIV []byte, err error) {
	parts := splitThree(bundle)
	if parts == nil {
		return nil, nil, nil, fmt.Errorf("client.token must be \"token.key.iv\" (base64 each)")
	}
	tok, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode token: %w", err)
	}
	aesKey, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode aes key: %w", err)
	}
	aesIV, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode aes iv: %w", err)
	}
	return tok, aesKey, aesIV, nil
}

func splitThree(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if len(parts) != 3 {
		return nil
	}
	return parts
}
