package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// MigrateAction applies the schema to the configured database
func MigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	fmt.Fprintf(output(cmd), "schema applied (%s)\n", appCtx.DB.DriverName())
	return nil
}
