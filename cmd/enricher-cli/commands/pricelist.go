package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/internal/pricelist"
)

// PricelistAddAction registers a price list data file that ingestion already wrote to disk
func PricelistAddAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	list := &model.Pricelist{
		ID:       strings.TrimSpace(cmd.String("id")),
		Filename: cmd.String("filename"),
		DataPath: cmd.String("data-path"),
		RowCount: cmd.Int("rows"),
	}
	if list.Filename == "" {
		list.Filename = list.DataPath
	}

	if profileID := strings.TrimSpace(cmd.String("profile")); profileID != "" {
		if _, err := appCtx.Store.GetBrandProfile(ctx, profileID); err != nil {
			return fmt.Errorf("brand profile %q: %w", profileID, err)
		}
		list.BrandProfileID = sql.NullString{String: profileID, Valid: true}
	}

	// reading the column up front proves the file parses and fills in the row count
	if column := cmd.String("sku-column"); column != "" {
		reader := pricelist.NewReader(appCtx.Config.Pricelists.DataDir)
		rows, err := reader.ReadSKUs(list.DataPath, column, pricelist.Options{Sheet: cmd.String("sheet")})
		if err != nil {
			return err
		}
		list.RowCount = len(rows)
	}

	if err := appCtx.Store.CreatePricelist(ctx, list); err != nil {
		return err
	}

	appCtx.log().Info("Price list registered",
		slog.String("pricelist_id", list.ID),
		slog.Int("rows", list.RowCount),
	)
	fmt.Fprintln(output(cmd), list.ID)
	return nil
}

// PricelistListAction prints price lists, optionally for one brand profile
func PricelistListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	lists, err := appCtx.Store.ListPricelists(ctx, cmd.String("profile"))
	if err != nil {
		return err
	}

	table := newTable(cmd)
	table.Header("ID", "Profile", "Filename", "Rows", "Uploaded")
	for _, l := range lists {
		profile := l.BrandProfileID.String
		if profile == "" {
			profile = "-"
		}
		if err := table.Append(l.ID, profile, l.Filename, strconv.Itoa(l.RowCount), l.UploadedAt.Format("2006-01-02 15:04")); err != nil {
			return err
		}
	}
	return table.Render()
}
