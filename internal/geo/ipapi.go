package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailtrack/backend/internal/domain"
)

// DefaultIPAPIURL ip-api.com 免费接口地址（仅支持 http）
const DefaultIPAPIURL = "http://ip-api.com"

const ipAPIFields = "status,message,countryCode,region,regionName,city,lat,lon"

// ipAPIResponse ip-api.com 返回结构
type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

// IPAPIProvider 调用 ip-api.com 的远程数据源
//
// 免费接口限制每分钟 45 次，本地用令牌桶限流；连续失败后熔断，避免拖慢采集流水线。
type IPAPIProvider struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*domain.Location]
}

// NewIPAPIProvider 创建 ip-api 数据源
//
// 参数:
//   - baseURL: 接口地址，为空时使用 DefaultIPAPIURL
//   - perMinute: 每分钟最大请求数，<=0 时取 45
//   - log: 熔断状态变化时记录日志
func NewIPAPIProvider(baseURL string, perMinute int, log *zap.Logger) *IPAPIProvider {
	if baseURL == "" {
		baseURL = DefaultIPAPIURL
	}
	if perMinute <= 0 {
		perMinute = 45
	}
	if log == nil {
		log = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        "ip-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("geo provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &IPAPIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		breaker: gobreaker.NewCircuitBreaker[*domain.Location](settings),
	}
}

// Name 数据源名称
func (p *IPAPIProvider) Name() string { return "ip-api" }

// Lookup 查询远程接口，限流时立即返回 ErrRateLimited 而不是等待
func (p *IPAPIProvider) Lookup(ctx context.Context, addr netip.Addr) (*domain.Location, error) {
	if !p.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return p.breaker.Execute(func() (*domain.Location, error) {
		return p.query(ctx, addr)
	})
}

func (p *IPAPIProvider) query(ctx context.Context, addr netip.Addr) (*domain.Location, error) {
	url := fmt.Sprintf("%s/json/%s?fields=%s", p.baseURL, addr.String(), ipAPIFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	var result ipAPIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode ip-api response: %w", err)
	}
	if result.Status != "success" {
		return nil, ErrNotFound
	}

	region := result.Region
	if region == "" {
		region = result.RegionName
	}
	return &domain.Location{
		Country:   result.CountryCode,
		Region:    region,
		City:      result.City,
		Latitude:  result.Lat,
		Longitude: result.Lon,
	}, nil
}
