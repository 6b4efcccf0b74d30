// Package catalog fetches and caches the sports-stream listing from the
// upstream aggregator, and resolves a game's iframe into a playable video link
// through the obfuscated /fetch decryption pipeline.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/proxyedge/edge-proxy/internal/decrypt"
	"github.com/proxyedge/edge-proxy/internal/kv"
	"github.com/proxyedge/edge-proxy/internal/proxyerr"
)

const (
	providerName  = "ppvsu"
	streamsAPIURL = "https://api.ppv.to/api/streams"
	pingAPIURL    = "https://api.ppv.to/api/ping"
	gameAPIURL    = "https://api.ppv.to/api/streams/%d"

	cacheFreshness       = time.Hour
	videoLinkCacheTTL    = 5 * time.Minute
	browserUserAgent     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:148.0) Gecko/20100101 Firefox/148.0"
)

// Game is a single listed stream, as cached.
type Game struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Poster    string `json:"poster"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	CacheTime int64  `json:"cache_time"`
	VideoLink string `json:"video_link"`
	Category  string `json:"category"`
}

type apiResponse struct {
	Success bool           `json:"success"`
	Streams []apiCategory  `json:"streams"`
}

type apiCategory struct {
	Category string      `json:"category"`
	Streams  []apiStream `json:"streams"`
}

type apiStream struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Poster   string  `json:"poster"`
	StartsAt int64   `json:"starts_at"`
	EndsAt   int64   `json:"ends_at"`
	Iframe   *string `json:"iframe"`
}

type streamDetailResponse struct {
	Success bool               `json:"success"`
	Data    streamDetailPayload `json:"data"`
}

type streamDetailPayload struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Poster         string         `json:"poster"`
	StartTimestamp int64          `json:"start_timestamp"`
	EndTimestamp   int64          `json:"end_timestamp"`
	Sources        []sourceEntry  `json:"sources"`
	CategoryName   *string        `json:"category_name"`
}

type sourceEntry struct {
	Data string `json:"data"`
}

// Service fetches and caches the catalog.
type Service struct {
	store  kv.Store
	client *http.Client
	now    func() time.Time
}

// New constructs a Service backed by store for caching and client for upstream
// requests.
func New(store kv.Store, client *http.Client) *Service {
	return &Service{store: store, client: client, now: time.Now}
}

func gameKey(id int64) string     { return fmt.Sprintf("%s:game:%d", providerName, id) }
func gamesIndexKey() string       { return providerName + ":games_index" }
func lastFetchKey() string        { return providerName + ":last_fetch" }
func videoLinkKey(path string) string { return providerName + ":video_link:" + path }

// GetCurrentTimestamp returns the current unix time, in seconds.
func (s *Service) GetCurrentTimestamp() int64 { return s.now().Unix() }

// IsCacheStale reports whether cacheTime is older than the freshness window,
// relative to currentTime.
func (s *Service) IsCacheStale(cacheTime, currentTime int64) bool {
	return currentTime-cacheTime > int64(cacheFreshness.Seconds())
}

// GetGamesWithRefresh returns the cached catalog if it's fresh, else clears and
// refetches the whole listing.
func (s *Service) GetGamesWithRefresh(ctx context.Context) ([]Game, error) {
	lastFetch, hasLastFetch, err := s.getLastFetchTime(ctx)
	if err != nil {
		return nil, proxyerr.Wrap("get last fetch time", err)
	}
	currentTime := s.GetCurrentTimestamp()

	if hasLastFetch && !s.IsCacheStale(lastFetch, currentTime) {
		log.Info().Int64("cache_age_seconds", currentTime-lastFetch).Msg("catalog cache is fresh")
		return s.getGames(ctx)
	}

	if hasLastFetch {
		log.Info().Int64("cache_age_seconds", currentTime-lastFetch).Msg("catalog cache is stale, refetching")
	} else {
		log.Info().Msg("no catalog cache found, fetching all games")
	}

	if err := s.ClearCache(ctx); err != nil {
		return nil, err
	}
	games, err := s.FetchAndCacheGames(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.setLastFetchTime(ctx, currentTime); err != nil {
		return nil, proxyerr.Wrap("set last fetch time", err)
	}
	return games, nil
}

// GetGameByID returns the cached game if fresh, else refetches it individually
// from the upstream API.
func (s *Service) GetGameByID(ctx context.Context, gameID int64) (Game, error) {
	cached, ok, err := s.getGame(ctx, gameID)
	if err != nil {
		return Game{}, proxyerr.Wrap("get cached game", err)
	}
	if ok {
		age := s.GetCurrentTimestamp() - cached.CacheTime
		if age <= int64(cacheFreshness.Seconds()) {
			log.Info().Int64("game_id", gameID).Int64("age_seconds", age).Msg("returning cached game")
			return cached, nil
		}
		log.Info().Int64("game_id", gameID).Int64("age_seconds", age).Msg("cached game stale, refetching")
	} else {
		log.Info().Int64("game_id", gameID).Msg("game not in cache, fetching from API")
	}

	game, err := s.refetchGame(ctx, gameID)
	if err != nil {
		return Game{}, proxyerr.NotFound(fmt.Sprintf("game %d not found: %v", gameID, err))
	}
	return game, nil
}

// ClearCache wipes the whole cached catalog (games, index, last-fetch marker).
func (s *Service) ClearCache(ctx context.Context) error {
	games, err := s.getGames(ctx)
	if err != nil {
		return proxyerr.Wrap("list games before clearing", err)
	}
	for _, g := range games {
		_ = s.store.Del(ctx, gameKey(g.ID))
	}
	_ = s.store.Del(ctx, gamesIndexKey())
	_ = s.store.Del(ctx, lastFetchKey())
	return nil
}

// FetchAndCacheGames pulls the full listing from the upstream API and caches
// every game carrying an iframe link.
func (s *Service) FetchAndCacheGames(ctx context.Context) ([]Game, error) {
	s.pingUpstream(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamsAPIURL, nil)
	if err != nil {
		return nil, proxyerr.Wrap("build streams request", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Referer", streamsAPIURL+"/")
	req.Header.Set("Origin", streamsAPIURL)
	req.Header.Set("DNT", "1")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, proxyerr.Wrap("fetch ppvsu streams API", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerr.Wrap("read streams API response body", err)
	}

	decoded, err := maybeGunzip(body)
	if err != nil {
		return nil, proxyerr.Wrap("decompress streams API response", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(decoded, &parsed); err != nil {
		return nil, proxyerr.Wrap("parse streams API response", err)
	}
	if !parsed.Success {
		return nil, proxyerr.Internal("ppvsu API returned success=false")
	}

	cacheTime := s.GetCurrentTimestamp()
	var games []Game
	for _, category := range parsed.Streams {
		for _, stream := range category.Streams {
			if stream.Iframe == nil {
				continue
			}
			game := Game{
				ID:        stream.ID,
				Name:      stream.Name,
				Poster:    stream.Poster,
				StartTime: stream.StartsAt,
				EndTime:   stream.EndsAt,
				CacheTime: cacheTime,
				VideoLink: *stream.Iframe,
				Category:  category.Category,
			}
			games = append(games, game)
			if err := s.storeGame(ctx, game); err != nil {
				return nil, proxyerr.Wrap("store game", err)
			}
		}
	}

	log.Info().Int("count", len(games)).Msg("cached games from ppvsu catalog")
	return games, nil
}

// pingUpstream makes a best-effort request to the upstream ping endpoint
// before the real fetch, the way a browser session would look.
func (s *Service) pingUpstream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingAPIURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	req.Header.Set("Referer", "https://ppv.to/")
	req.Header.Set("Origin", "https://ppv.to")
	req.Header.Set("Sec-GPC", "1")
	resp, err := s.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
}

func (s *Service) refetchGame(ctx context.Context, gameID int64) (Game, error) {
	log.Info().Int64("game_id", gameID).Msg("refetching game from ppvsu API")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(gameAPIURL, gameID), nil)
	if err != nil {
		return Game{}, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", streamsAPIURL+"/")
	req.Header.Set("Origin", "https://api.ppv.to/api/streams")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	resp, err := s.client.Do(req)
	if err != nil {
		return Game{}, fmt.Errorf("fetch game: %w", err)
	}
	defer resp.Body.Close()

	var detail streamDetailResponse
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return Game{}, fmt.Errorf("parse game response: %w", err)
	}
	if !detail.Success {
		return Game{}, fmt.Errorf("ppvsu API returned success=false")
	}
	if len(detail.Data.Sources) == 0 {
		return Game{}, fmt.Errorf("no sources found for stream")
	}

	category := "Unknown"
	if detail.Data.CategoryName != nil {
		category = *detail.Data.CategoryName
	}

	game := Game{
		ID:        detail.Data.ID,
		Name:      detail.Data.Name,
		Poster:    detail.Data.Poster,
		StartTime: detail.Data.StartTimestamp,
		EndTime:   detail.Data.EndTimestamp,
		CacheTime: s.GetCurrentTimestamp(),
		VideoLink: detail.Data.Sources[0].Data,
		Category:  category,
	}

	if err := s.storeGame(ctx, game); err != nil {
		return Game{}, err
	}
	return game, nil
}

// FetchVideoLink resolves an iframe URL into a playable video URL, consulting
// the video-link cache first and otherwise posting to the iframe host's /fetch
// endpoint and running the decryption pipeline over the response.
func (s *Service) FetchVideoLink(ctx context.Context, iframeURL string) (string, error) {
	log.Info().Str("iframe_url", iframeURL).Msg("fetching video link")

	u, err := url.Parse(iframeURL)
	if err != nil {
		return "", proxyerr.BadRequest("failed to parse iframe URL: " + err.Error())
	}
	baseURL := u.Scheme + "://" + u.Host

	streamPath, ok := strings.CutPrefix(u.Path, "/embed/")
	if !ok {
		return "", proxyerr.BadRequest("iframe URL doesn't contain /embed/ path")
	}

	if cached, found, err := s.getVideoLink(ctx, streamPath); err == nil && found {
		log.Info().Str("stream_path", streamPath).Msg("cache hit for video link")
		return cached, nil
	}

	log.Info().Str("base_url", baseURL).Str("stream_path", streamPath).Msg("cache miss, posting to /fetch")

	body := decrypt.EncodeVarintField(streamPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/fetch", bytes.NewReader(body))
	if err != nil {
		return "", proxyerr.Wrap("build fetch request", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TE", "trailers")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", baseURL)
	req.Header.Set("Referer", iframeURL)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", proxyerr.Wrap("fetch endpoint request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", proxyerr.Internal(fmt.Sprintf("fetch endpoint returned status: %d", resp.StatusCode))
	}

	islandHeader := resp.Header.Get("island")
	if islandHeader == "" {
		return "", proxyerr.Internal("missing 'island' header in response")
	}
	log.Info().Int("island_len", len(islandHeader)).Msg("received island header")

	encryptedBlob, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", proxyerr.Wrap("failed to read response bytes", err)
	}
	log.Info().Int("blob_len", len(encryptedBlob)).Msg("received encrypted blob")

	videoLink, err := decrypt.StreamURL(encryptedBlob, islandHeader)
	if err != nil {
		return "", proxyerr.Wrap("decrypt stream url", err)
	}
	log.Info().Str("video_link", videoLink).Msg("decrypted video link")

	if err := s.setVideoLink(ctx, streamPath, videoLink); err != nil {
		log.Error().Err(err).Str("stream_path", streamPath).Msg("failed to cache video link")
	}

	return videoLink, nil
}

func maybeGunzip(body []byte) ([]byte, error) {
	if len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return body, nil
}

// --- cache storage helpers, backed by kv.Store ---

func (s *Service) storeGame(ctx context.Context, game Game) error {
	data, err := json.Marshal(game)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, gameKey(game.ID), data); err != nil {
		return err
	}
	return s.addToIndex(ctx, game.ID)
}

func (s *Service) addToIndex(ctx context.Context, id int64) error {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return s.writeIndex(ctx, ids)
}

func (s *Service) readIndex(ctx context.Context) ([]int64, error) {
	data, ok, err := s.store.Get(ctx, gamesIndexKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Service) writeIndex(ctx context.Context, ids []int64) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, gamesIndexKey(), data)
}

func (s *Service) getGame(ctx context.Context, id int64) (Game, bool, error) {
	data, ok, err := s.store.Get(ctx, gameKey(id))
	if err != nil || !ok {
		return Game{}, false, err
	}
	var g Game
	if err := json.Unmarshal(data, &g); err != nil {
		return Game{}, false, err
	}
	return g, true, nil
}

func (s *Service) getGames(ctx context.Context) ([]Game, error) {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	games := make([]Game, 0, len(ids))
	for _, id := range ids {
		g, ok, err := s.getGame(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			games = append(games, g)
		}
	}
	return games, nil
}

func (s *Service) getLastFetchTime(ctx context.Context) (int64, bool, error) {
	data, ok, err := s.store.Get(ctx, lastFetchKey())
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *Service) setLastFetchTime(ctx context.Context, timestamp int64) error {
	return s.store.Set(ctx, lastFetchKey(), []byte(strconv.FormatInt(timestamp, 10)))
}

func (s *Service) getVideoLink(ctx context.Context, streamPath string) (string, bool, error) {
	data, ok, err := s.store.Get(ctx, videoLinkKey(streamPath))
	if err != nil || !ok {
		return "", false, err
	}
	return string(data), true, nil
}

func (s *Service) setVideoLink(ctx context.Context, streamPath, videoLink string) error {
	return s.store.SetEX(ctx, videoLinkKey(streamPath), []byte(videoLink), videoLinkCacheTTL)
}
