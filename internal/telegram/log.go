package telegram

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var loggerOnce sync.Once

// slogBotLogger routes the library's internal log lines (e.g. getUpdates
// retries) into slog.
type slogBotLogger struct {
	logger *slog.Logger
}

func (l slogBotLogger) Println(v ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintln(v...)), "component", "tgbotapi")
}

func (l slogBotLogger) Printf(format string, v ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "tgbotapi")
}

// setLibraryLogger installs logger as the tgbotapi package logger. The
// library keeps a single global logger, so only the first call wins.
func setLibraryLogger(logger *slog.Logger) {
	loggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(slogBotLogger{logger: logger})
	})
}
