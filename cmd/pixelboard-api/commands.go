package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
)

func newCreateBoardCommand() *cobra.Command {
	var request boards.CreateRequest
	var private bool

	cmd := &cobra.Command{
		Use:   "create-board",
		Short: "Create a board and print its descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			boardService, err := boards.NewService(boards.ServiceConfig{
				Database:       db,
				IDProvider:     modifications.NewUUIDProvider(),
				MaxBoardPixels: appConfig.BoardMaxPixels,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			request.IsPublic = !private
			board, err := boardService.Create(cmd.Context(), request)
			if err != nil {
				return err
			}
			active, err := board.Palette()
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(map[string]any{
				"id":         board.ID,
				"name":       board.Name,
				"owner_id":   board.OwnerID,
				"width":      board.Width,
				"height":     board.Height,
				"max_pixels": board.MaxPixels,
				"is_public":  board.IsPublic,
				"palette":    active.Colors(),
			})
		},
	}

	cmd.Flags().StringVar(&request.Name, "name", "", "Board name")
	cmd.Flags().StringVar(&request.OwnerID, "owner", "", "Owner user id")
	cmd.Flags().StringVar(&request.OwnerUsername, "owner-username", "", "Owner display name")
	cmd.Flags().IntVar(&request.Width, "width", 100, "Board width in pixels")
	cmd.Flags().IntVar(&request.Height, "height", 100, "Board height in pixels")
	cmd.Flags().StringSliceVar(&request.CustomPalette, "palette", nil, "Custom palette of 8 #RRGGBB colors")
	cmd.Flags().BoolVar(&private, "private", false, "Hide the board from public listings")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var claims auth.SessionClaims
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a session token for local development or operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = appConfig.TAuthTokenTTL
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(claims)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.Format(time.RFC3339))
			return err
		},
	}

	cmd.Flags().StringVar(&claims.UserID, "user", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&claims.UserEmail, "email", "", "User email")
	cmd.Flags().StringVar(&claims.UserDisplayName, "display-name", "", "User display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to tauth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
