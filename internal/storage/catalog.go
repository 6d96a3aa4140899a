package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
	"github.com/cuongbtq/catalog-enricher/internal/model"
)

const profileColumns = `id, name, domain_root, search_url_template, extraction_rules_json, created_at`

const pricelistColumns = `id, brand_profile_id, filename, uploaded_at, data_path, row_count`

// CreateBrandProfile registers a vendor site the crawler can search
func (s *Storage) CreateBrandProfile(ctx context.Context, profile *model.BrandProfile) error {
	profile.CreatedAt = s.now()
	if profile.ExtractionRulesJSON == "" {
		profile.ExtractionRulesJSON = "{}"
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO brand_profiles (`+profileColumns+`)
		VALUES (:id, :name, :domain_root, :search_url_template, :extraction_rules_json, :created_at)`, profile)
	if err != nil {
		return domain.NewStoreError("create brand profile", err)
	}
	return nil
}

// GetBrandProfile retrieves a brand profile by its ID
func (s *Storage) GetBrandProfile(ctx context.Context, id string) (*model.BrandProfile, error) {
	var profile model.BrandProfile
	err := s.db.GetContext(ctx, &profile, s.q(`SELECT `+profileColumns+` FROM brand_profiles WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, domain.NewStoreError("get brand profile", err)
	}
	return &profile, nil
}

// ListBrandProfiles returns all profiles ordered by name
func (s *Storage) ListBrandProfiles(ctx context.Context) ([]model.BrandProfile, error) {
	profiles := []model.BrandProfile{}
	if err := s.db.SelectContext(ctx, &profiles, `SELECT `+profileColumns+` FROM brand_profiles ORDER BY name ASC`); err != nil {
		return nil, domain.NewStoreError("list brand profiles", err)
	}
	return profiles, nil
}

// CreatePricelist registers an already-ingested price list data file
func (s *Storage) CreatePricelist(ctx context.Context, pricelist *model.Pricelist) error {
	if pricelist.UploadedAt.IsZero() {
		pricelist.UploadedAt = s.now()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pricelists (`+pricelistColumns+`)
		VALUES (:id, :brand_profile_id, :filename, :uploaded_at, :data_path, :row_count)`, pricelist)
	if err != nil {
		return domain.NewStoreError("create price list", err)
	}
	return nil
}

// GetPricelist retrieves a price list by its ID
func (s *Storage) GetPricelist(ctx context.Context, id string) (*model.Pricelist, error) {
	var pricelist model.Pricelist
	err := s.db.GetContext(ctx, &pricelist, s.q(`SELECT `+pricelistColumns+` FROM pricelists WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPricelistNotFound
		}
		return nil, domain.NewStoreError("get price list", err)
	}
	return &pricelist, nil
}

// ListPricelists returns price lists, newest first, optionally for one brand profile
func (s *Storage) ListPricelists(ctx context.Context, profileID string) ([]model.Pricelist, error) {
	query := `SELECT ` + pricelistColumns + ` FROM pricelists`
	args := []interface{}{}
	if profileID != "" {
		query += ` WHERE brand_profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY uploaded_at DESC, id DESC`

	pricelists := []model.Pricelist{}
	if err := s.db.SelectContext(ctx, &pricelists, s.q(query), args...); err != nil {
		return nil, domain.NewStoreError("list price lists", err)
	}
	return pricelists, nil
}
