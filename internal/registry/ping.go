package registry

import (
	"context"
	"fmt"

	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
)

// PingUpstream checks the upstream of one proxy repository
func (s *Service) PingUpstream(ctx context.Context, repo *types.Repository) error {
	if repo.Type != types.RepositoryProxy {
		return fmt.Errorf("ping %s repository %s: %w", repo.Type, repo.Name, ErrWrongRepositoryType)
	}
	p, ok, err := s.GetPluginForRepo(ctx, repo)
	if err != nil {
		return err
	}
	if !ok || !p.Capabilities.Ping {
		return fmt.Errorf("ping repository %s: %w", repo.Name, ErrUnsupported)
	}
	return p.Plugin.(Pinger).Ping(ctx, repo)
}

// PingUpstreams pings every proxy repository and returns the failures by
// repository name. Repositories whose plugin cannot ping are skipped.
func (s *Service) PingUpstreams(ctx context.Context) (map[string]error, error) {
	var repos []types.Repository
	if err := s.db.WithContext(ctx).Where("type = ?", types.RepositoryProxy).Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("failed to list proxy repositories: %w", err)
	}

	failures := make(map[string]error)
	for i := range repos {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		repo := &repos[i]
		p, ok, err := s.GetPluginForRepo(ctx, repo)
		if err != nil || !ok || !p.Capabilities.Ping {
			continue
		}
		if err := p.Plugin.(Pinger).Ping(ctx, repo); err != nil {
			failures[repo.Name] = err
			log.Warn().Err(err).Str("repository", repo.Name).Str("upstream", repo.Config.UpstreamURL).Msg("proxy upstream unreachable")
		}
	}

	log.Debug().Int("repositories", len(repos)).Int("failed", len(failures)).Msg("pinged proxy upstreams")
	return failures, nil
}
