package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/cuongbtq/catalog-enricher/internal/crawler"
	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
)

// ProfileAddAction registers a brand profile
func ProfileAddAction(ctx context.Context, cmd *cli.Command) error {
	profile := &model.BrandProfile{
		ID:                strings.TrimSpace(cmd.String("id")),
		Name:              strings.TrimSpace(cmd.String("name")),
		DomainRoot:        strings.TrimSpace(cmd.String("domain")),
		SearchURLTemplate: strings.TrimSpace(cmd.String("search-template")),
	}
	if profile.Name == "" {
		profile.Name = profile.ID
	}

	rules := domain.ExtractionRules{}
	if path := cmd.String("rules-file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read rules file: %w", err)
		}
		if err := json.Unmarshal(raw, &rules); err != nil {
			return fmt.Errorf("invalid rules file: %w", err)
		}
	}
	encoded, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	profile.ExtractionRulesJSON = string(encoded)

	// reject profiles the crawler could never search
	if err := crawler.SiteFromProfile(profile).Validate(); err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Store.CreateBrandProfile(ctx, profile); err != nil {
		return err
	}

	appCtx.log().Info("Brand profile created", slog.String("profile_id", profile.ID))
	fmt.Fprintln(output(cmd), profile.ID)
	return nil
}

// ProfileListAction prints every brand profile
func ProfileListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	profiles, err := appCtx.Store.ListBrandProfiles(ctx)
	if err != nil {
		return err
	}

	table := newTable(cmd)
	table.Header("ID", "Name", "Domain", "Search Template")
	for _, p := range profiles {
		template := p.SearchURLTemplate
		if template == "" {
			template = "(default)"
		}
		if err := table.Append(p.ID, p.Name, p.DomainRoot, template); err != nil {
			return err
		}
	}
	return table.Render()
}
