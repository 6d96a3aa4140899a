package commands

import (
	"github.com/urfave/cli/v3"
)

// NewApp builds the enricher-cli command tree
func NewApp() *cli.Command {
	idFlag := func(usage string) cli.Flag {
		return &cli.StringFlag{Name: "id", Usage: usage, Required: true}
	}

	return &cli.Command{
		Name:  "enricher-cli",
		Usage: "catalog enricher administration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to configuration file",
				Value:   "configs/api-service/config.yaml",
				Sources: cli.EnvVars("ENRICHER_CONFIG_PATH", "API_SERVICE_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "apply the database schema",
				Action: MigrateAction,
			},
			{
				Name:  "profile",
				Usage: "brand profile commands",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "register a brand profile",
						Flags: []cli.Flag{
							idFlag("profile id"),
							&cli.StringFlag{Name: "name", Usage: "display name (defaults to the id)"},
							&cli.StringFlag{Name: "domain", Usage: "vendor domain root, e.g. fima.it", Required: true},
							&cli.StringFlag{Name: "search-template", Usage: "search URL with {domain} and {query} placeholders"},
							&cli.StringFlag{Name: "rules-file", Usage: "JSON file with extraction rules"},
						},
						Action: ProfileAddAction,
					},
					{
						Name:   "list",
						Usage:  "list brand profiles",
						Action: ProfileListAction,
					},
				},
			},
			{
				Name:  "pricelist",
				Usage: "price list commands",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "register an ingested price list data file",
						Flags: []cli.Flag{
							idFlag("price list id"),
							&cli.StringFlag{Name: "data-path", Usage: "data file, relative to pricelists.data_dir", Required: true},
							&cli.StringFlag{Name: "profile", Usage: "owning brand profile"},
							&cli.StringFlag{Name: "filename", Usage: "original upload name"},
							&cli.StringFlag{Name: "sku-column", Usage: "check this column exists and count its rows"},
							&cli.StringFlag{Name: "sheet", Usage: "sheet to check in a workbook export"},
							&cli.IntFlag{Name: "rows", Usage: "row count when --sku-column is not given"},
						},
						Action: PricelistAddAction,
					},
					{
						Name:  "list",
						Usage: "list price lists",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "profile", Usage: "only price lists of this brand profile"},
						},
						Action: PricelistListAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "enrichment job commands",
				Commands: []*cli.Command{
					{
						Name:  "create",
						Usage: "create a targeted-enrichment job",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "pricelist", Usage: "price list id", Required: true},
							&cli.StringFlag{Name: "profile", Usage: "brand profile id", Required: true},
							&cli.StringFlag{Name: "sku-column", Usage: "column holding the SKUs", Required: true},
							&cli.StringFlag{Name: "sheet", Usage: "sheet of a workbook export"},
							&cli.IntFlag{Name: "start-row", Usage: "first data row, 1-based"},
							&cli.IntFlag{Name: "end-row", Usage: "last data row, 1-based"},
						},
						Action: JobCreateAction,
					},
					{
						Name:   "show",
						Usage:  "show a job",
						Flags:  []cli.Flag{idFlag("job id")},
						Action: JobShowAction,
					},
					{
						Name:  "items",
						Usage: "list a job's items",
						Flags: []cli.Flag{
							idFlag("job id"),
							&cli.StringFlag{Name: "status", Usage: "pending, resolved, unresolved or error"},
						},
						Action: JobItemsAction,
					},
					{
						Name:  "results",
						Usage: "list a job's items with their scraped images",
						Flags: []cli.Flag{
							idFlag("job id"),
							&cli.StringFlag{Name: "status", Usage: "pending, resolved, unresolved or error"},
						},
						Action: JobResultsAction,
					},
					{
						Name:   "products",
						Usage:  "list the web products a job scraped",
						Flags:  []cli.Flag{idFlag("job id")},
						Action: JobProductsAction,
					},
					{
						Name:   "active",
						Usage:  "list queued and running jobs",
						Action: JobActiveAction,
					},
					{
						Name:   "cancel",
						Usage:  "cancel a queued or running job",
						Flags:  []cli.Flag{idFlag("job id")},
						Action: JobCancelAction,
					},
					{
						Name:   "delete",
						Usage:  "delete a finished job",
						Flags:  []cli.Flag{idFlag("job id")},
						Action: JobDeleteAction,
					},
				},
			},
		},
	}
}
