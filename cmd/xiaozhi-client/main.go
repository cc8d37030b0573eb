// Command xiaozhi-client is a thin shell around the engine (spec.md §6.4:
// "it does not provide a CLI; a thin shell program composes it"). Grounded
// on the teacher's QR code rendering in internal/handler/auth.go
// (qrcode.New(content, qrcode.Medium) then encode), adapted here to print
// an ASCII QR straight to the terminal instead of a PNG data URL, since
// there is no browser on the other end of a device client.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/xiaozhi-go/xiaozhi-client/pkg/config"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/engine"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/errkind"
	"github.com/xiaozhi-go/xiaozhi-client/pkg/logging"
)

func main() {
	cfg := config.Load()

	logCfg := logging.Config{
		Level:      cfg.Log.Level,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Mode:       cfg.Log.Mode,
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xiaozhi-client: failed to start logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	eng, err := engine.NewWithLogger(engine.Config{
		OtaBase:      cfg.OtaBase,
		Product:      cfg.Product,
		BoardVersion: cfg.BoardVersion,
		StorePath:    cfg.StorePath,
		ForceNew:     cfg.ForceNew,
	}, callbacks(logger), logger)
	if err != nil {
		logger.Fatal("failed to construct engine", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Boot(ctx, cfg.ForceNew); err != nil {
		logger.Error("boot failed", zap.Error(err))
	}

	go readStdin(ctx, eng, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Disconnect()
}

// readStdin lets an operator drive the engine from a terminal: typing text
// sends it as a listen/detect utterance; "complete" finishes Branch A
// activation after the code has been bound out of band.
func readStdin(ctx context.Context, eng *engine.Engine, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "complete" {
			if err := eng.CompleteActivation(ctx); err != nil {
				logger.Warn("activation completion failed", zap.Error(err))
			}
			continue
		}
		if err := eng.SendTextMessage(line); err != nil {
			logger.Warn("send failed", zap.Error(err))
		}
	}
}

func callbacks(logger *zap.Logger) engine.Callbacks {
	return engine.Callbacks{
		OnActivationCode: func(code, challenge string) {
			fmt.Printf("\nActivation required. Visit the activation page and enter this code:\n\n  %s\n\n", code)
			qr, err := qrcode.New(code, qrcode.Medium)
			if err != nil {
				logger.Warn("failed to render activation QR", zap.Error(err))
				return
			}
			fmt.Println(qr.ToString(false))
			fmt.Println("Type \"complete\" here once the code is bound to your account.")
		},
		OnWebsocketReady: func(sessionID string, sampleRate int) {
			logger.Info("session ready", zap.String("session_id", logging.Mask(sessionID)), zap.Int("sample_rate", sampleRate))
		},
		OnTTS: func(state, text string) {
			if text != "" {
				fmt.Printf("[assistant:%s] %s\n", state, text)
			}
		},
		OnEmotion: func(emotion string) {
			fmt.Printf("[emotion] %s\n", emotion)
		},
		OnError: func(kind errkind.Kind, detail string) {
			logger.Warn("engine error", zap.String("kind", string(kind)), zap.String("detail", detail))
		},
	}
}
