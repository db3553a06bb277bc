package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatstream/internal/config"
)

func newToolServer(t *testing.T) (*toolClient, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/weather", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Delhi", r.URL.Query().Get("q"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		_, _ = w.Write([]byte(`{"name":"Delhi","sys":{"country":"IN"},"main":{"temp":31.5,"humidity":40},"weather":[{"description":"haze"}]}`))
	})
	mux.HandleFunc("/stock", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "NONE" {
			_, _ = w.Write([]byte(`{"Global Quote":{}}`))
			return
		}
		_, _ = w.Write([]byte(`{"Global Quote":{"05. price":"101.50","09. change":"1.20","10. change percent":"1.2%"}}`))
	})
	mux.HandleFunc("/f1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"MRData":{"RaceTable":{"Races":[{"season":"2026","round":"19","raceName":"United States Grand Prix","date":"2026-10-25","Circuit":{"circuitName":"COTA","Location":{"locality":"Austin","country":"USA"}}}]}}}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &toolClient{
		http:       srv.Client(),
		weatherKey: "w",
		stockKey:   "s",
		weatherURL: srv.URL + "/weather",
		stockURL:   srv.URL + "/stock",
		f1URL:      srv.URL + "/f1",
	}, srv
}

func TestWeatherTool(t *testing.T) {
	c, _ := newToolServer(t)
	out, err := c.weather(context.Background(), &WeatherInput{Location: "Delhi"})
	require.NoError(t, err)
	assert.Equal(t, "Delhi, IN", out.Location)
	assert.InDelta(t, 31.5, out.Temperature, 1e-9)
	assert.Equal(t, "haze", out.Condition)

	_, err = c.weather(context.Background(), &WeatherInput{})
	assert.Error(t, err)
}

func TestStockTool(t *testing.T) {
	c, _ := newToolServer(t)
	out, err := c.stock(context.Background(), &StockInput{Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, "101.50", out.Price)
	assert.Equal(t, "1.2%", out.ChangePercent)

	out, err = c.stock(context.Background(), &StockInput{Symbol: "NONE"})
	require.NoError(t, err)
	assert.Equal(t, "No price found for this symbol.", out.Error)
}

func TestF1Tool(t *testing.T) {
	c, srv := newToolServer(t)
	out, err := c.nextRace(context.Background(), &F1Input{})
	require.NoError(t, err)
	assert.Equal(t, "United States Grand Prix", out.RaceName)
	assert.Equal(t, "Austin", out.Locality)

	c.f1URL = srv.URL + "/broken"
	_, err = c.nextRace(context.Background(), &F1Input{})
	assert.ErrorContains(t, err, "unexpected status 502")
}

func TestNewToolsSkipsToolsWithoutKeys(t *testing.T) {
	tools, err := NewTools(config.ToolsConfig{})
	require.NoError(t, err)
	require.Len(t, tools, 1)

	info, err := tools[0].Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "getF1Matches", info.Name)

	tools, err = NewTools(config.ToolsConfig{WeatherAPIKey: "w", StockAPIKey: "s"})
	require.NoError(t, err)
	assert.Len(t, tools, 3)
}
