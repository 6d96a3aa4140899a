package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
	"github.com/cuongbtq/catalog-enricher/internal/orchestrator"
)

// JobCreateAction creates a targeted-enrichment job
func JobCreateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.EnableDispatch(); err != nil {
		return err
	}

	job, err := appCtx.Orchestrator.CreateJob(ctx, orchestrator.CreateJobRequest{
		PricelistID: cmd.String("pricelist"),
		SKUColumn:   cmd.String("sku-column"),
		ProfileID:   cmd.String("profile"),
		Sheet:       cmd.String("sheet"),
		StartRow:    cmd.Int("start-row"),
		EndRow:      cmd.Int("end-row"),
	})
	if err != nil {
		return err
	}

	appCtx.log().Info("Enrichment job created",
		slog.String("job_id", job.ID),
		slog.Int("total", job.Total),
	)
	fmt.Fprintln(output(cmd), job.ID)
	return nil
}

// JobShowAction prints one job with its counters
func JobShowAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	job, err := appCtx.Orchestrator.GetJob(ctx, cmd.String("id"))
	if err != nil {
		return err
	}

	printJob(output(cmd), job)
	return nil
}

// JobItemsAction prints a job's items, optionally only those with --status
func JobItemsAction(ctx context.Context, cmd *cli.Command) error {
	status := domain.ItemStatus(cmd.String("status"))
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown item status %q", status)
	}

	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	items, err := appCtx.Orchestrator.ListItems(ctx, cmd.String("id"), status)
	if err != nil {
		return err
	}

	table := newTable(cmd)
	table.Header("Row", "SKU", "Status", "Attempts", "Product URL", "Error")
	for _, item := range items {
		if err := table.Append(
			strconv.Itoa(item.RowIndex), item.SKU, string(item.Status), strconv.Itoa(item.Attempts),
			item.ProductURL.String, item.ErrorText.String,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// JobActiveAction prints queued and running jobs
func JobActiveAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobs, err := appCtx.Orchestrator.ListActive(ctx)
	if err != nil {
		return err
	}

	table := newTable(cmd)
	table.Header("ID", "Status", "Progress", "Processed", "Total", "Profile", "Created")
	for _, j := range jobs {
		if err := table.Append(
			j.ID, string(j.Status), fmt.Sprintf("%.0f%%", j.Progress*100),
			strconv.Itoa(j.Counters.Processed), strconv.Itoa(j.Counters.Total), j.ProfileID,
			j.CreatedAt.Format("2006-01-02 15:04:05"),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// JobResultsAction prints a job's items with the image each resolved one produced
func JobResultsAction(ctx context.Context, cmd *cli.Command) error {
	status := domain.ItemStatus(cmd.String("status"))
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown item status %q", status)
	}

	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	results, err := appCtx.Orchestrator.ListResults(ctx, cmd.String("id"), status)
	if err != nil {
		return err
	}

	table := newTable(cmd)
	table.Header("Row", "SKU", "Status", "Title", "Image URL")
	for _, r := range results {
		if err := table.Append(
			strconv.Itoa(r.RowIndex), r.SKU, string(r.Status), r.Attributes().Title, r.ImageURL.String,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// JobProductsAction prints the web products a job scraped
func JobProductsAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	products, err := appCtx.Orchestrator.ListProducts(ctx, cmd.String("id"))
	if err != nil {
		return err
	}

	table := newTable(cmd)
	table.Header("Search Key", "Source URL", "Image URL", "Scraped")
	for _, p := range products {
		if err := table.Append(
			p.Attributes().SearchKey, p.SourceURL, p.ImageURL, p.ScrapedAt.Format("2006-01-02 15:04:05"),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// JobCancelAction stops a queued or running job
func JobCancelAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	id := cmd.String("id")
	if err := appCtx.Orchestrator.CancelJob(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(output(cmd), "%s cancelled\n", id)
	return nil
}

// JobDeleteAction removes a finished job with its items and products
func JobDeleteAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	id := cmd.String("id")
	if err := appCtx.Orchestrator.DeleteJob(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(output(cmd), "%s deleted\n", id)
	return nil
}

func printJob(w io.Writer, job *model.Job) {
	c := job.Counters()
	fmt.Fprintf(w, "id:         %s\n", job.ID)
	fmt.Fprintf(w, "status:     %s\n", job.Status)
	fmt.Fprintf(w, "profile:    %s\n", job.ProfileID)
	fmt.Fprintf(w, "pricelist:  %s\n", job.PricelistID)
	fmt.Fprintf(w, "progress:   %.0f%% (%d/%d)\n", job.Progress*100, c.Processed, c.Total)
	fmt.Fprintf(w, "matched:    %d\n", c.Matched)
	fmt.Fprintf(w, "unresolved: %d\n", c.Unresolved)
	fmt.Fprintf(w, "failed:     %d\n", c.Failed)
	if job.WorkerID.Valid {
		fmt.Fprintf(w, "worker:     %s\n", job.WorkerID.String)
	}
	if job.ErrorText.Valid {
		fmt.Fprintf(w, "error:      %s\n", job.ErrorText.String)
	}
	fmt.Fprintf(w, "created:    %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
}
