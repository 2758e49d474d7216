package spotify

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/AlecAivazis/survey/v2"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/xeptore/quefi/config"
)

// Login interactively asks for the client id and secret of a Spotify
// application and stores them once Spotify accepts them.
func Login(ctx context.Context, logger zerolog.Logger, conf config.Spotify, client *http.Client) error {
	var (
		stdin  = os.Stdin
		stdout = os.Stdout
	)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return syscall.ENOTTY
	}

	var clientID string
	idPrompt := &survey.Input{ //nolint:exhaustruct
		Message: "Spotify Client ID:",
		Default: conf.ClientID,
	}
	idOpts := []survey.AskOpt{
		survey.WithValidator(survey.Required),
		survey.WithStdio(stdin, stdout, stdout),
		survey.WithShowCursor(true),
	}
	if err := survey.AskOne(idPrompt, &clientID, idOpts...); nil != err {
		return fmt.Errorf("failed to ask for client id: %v", err)
	}

	var clientSecret string
	secretPrompt := &survey.Password{ //nolint:exhaustruct
		Message: "Spotify Client Secret:",
	}
	secretOpts := []survey.AskOpt{
		survey.WithValidator(survey.Required),
		survey.WithHideCharacter('*'),
		survey.WithStdio(stdin, stdout, stdout),
		survey.WithShowCursor(true),
	}
	if err := survey.AskOne(secretPrompt, &clientSecret, secretOpts...); nil != err {
		return fmt.Errorf("failed to ask for client secret: %v", err)
	}

	clientID, clientSecret = strings.TrimSpace(clientID), strings.TrimSpace(clientSecret)
	if err := SaveClientCredentials(ctx, logger, conf, client, clientID, clientSecret); nil != err {
		return fmt.Errorf("failed to save client credentials: %w", err)
	}

	logger.Info().Str("creds_file", conf.CredsFile).Msg("Login successfully!")

	return nil
}
