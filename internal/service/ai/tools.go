package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"

	"github.com/zhouzirui/chatstream/internal/config"
)

const (
	defaultWeatherURL = "https://api.openweathermap.org/data/2.5/weather"
	defaultStockURL   = "https://www.alphavantage.co/query"
	defaultF1URL      = "https://api.jolpi.ca/ergast/f1/current/next.json"
)

// WeatherInput is the argument schema of getWeather.
type WeatherInput struct {
	Location string `json:"location" jsonschema:"description=City name like 'Delhi'"`
}

// WeatherOutput is the result of getWeather.
type WeatherOutput struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Condition   string  `json:"condition"`
	Humidity    float64 `json:"humidity"`
}

// StockInput is the argument schema of getStockPrice.
type StockInput struct {
	Symbol string `json:"symbol" jsonschema:"description=Ticker symbol like 'AAPL' or 'TSLA'"`
}

// StockOutput is the result of getStockPrice.
type StockOutput struct {
	Symbol        string `json:"symbol"`
	Price         string `json:"price,omitempty"`
	Change        string `json:"change,omitempty"`
	ChangePercent string `json:"changePercent,omitempty"`
	Error         string `json:"error,omitempty"`
}

// F1Input is the (empty) argument schema of getF1Matches.
type F1Input struct{}

// F1Output describes the next Grand Prix.
type F1Output struct {
	Message      string `json:"message,omitempty"`
	RaceName     string `json:"raceName,omitempty"`
	Season       string `json:"season,omitempty"`
	Round        string `json:"round,omitempty"`
	Date         string `json:"date,omitempty"`
	Time         string `json:"time,omitempty"`
	Circuit      string `json:"circuit,omitempty"`
	Locality     string `json:"locality,omitempty"`
	Country      string `json:"country,omitempty"`
	WikipediaURL string `json:"wikipediaUrl,omitempty"`
}

type toolClient struct {
	http       *http.Client
	weatherKey string
	stockKey   string
	weatherURL string
	stockURL   string
	f1URL      string
}

// NewTools builds the model tools. Tools whose API key is missing are left out.
func NewTools(cfg config.ToolsConfig) ([]tool.BaseTool, error) {
	c := &toolClient{
		http:       &http.Client{Timeout: cfg.HTTPTimeout},
		weatherKey: cfg.WeatherAPIKey,
		stockKey:   cfg.StockAPIKey,
		weatherURL: defaultWeatherURL,
		stockURL:   defaultStockURL,
		f1URL:      defaultF1URL,
	}
	return c.tools()
}

func (c *toolClient) tools() ([]tool.BaseTool, error) {
	var tools []tool.BaseTool

	if c.weatherKey != "" {
		weather, err := utils.InferTool("getWeather",
			"Get current weather conditions, temperature, and forecasts for any city or location. Use when users ask about weather, temperature, climate, or forecasts.",
			c.weather)
		if err != nil {
			return nil, fmt.Errorf("infer weather tool: %w", err)
		}
		tools = append(tools, weather)
	}

	if c.stockKey != "" {
		stock, err := utils.InferTool("getStockPrice",
			"Get real-time stock prices and market data for any company or ticker symbol. Use when users ask about stock prices, share values, or market data.",
			c.stock)
		if err != nil {
			return nil, fmt.Errorf("infer stock tool: %w", err)
		}
		tools = append(tools, stock)
	}

	f1, err := utils.InferTool("getF1Matches",
		"Get information about the next Formula 1 race. Use when users ask about F1, racing schedules, the next race, or Grand Prix events.",
		c.nextRace)
	if err != nil {
		return nil, fmt.Errorf("infer f1 tool: %w", err)
	}
	tools = append(tools, f1)

	return tools, nil
}

func (c *toolClient) weather(ctx context.Context, in *WeatherInput) (*WeatherOutput, error) {
	if in.Location == "" {
		return nil, errors.New("location is required")
	}

	query := url.Values{}
	query.Set("q", in.Location)
	query.Set("appid", c.weatherKey)
	query.Set("units", "metric")

	var payload struct {
		Name string `json:"name"`
		Sys  struct {
			Country string `json:"country"`
		} `json:"sys"`
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
		} `json:"main"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
	}
	if err := c.getJSON(ctx, c.weatherURL, query, &payload); err != nil {
		return nil, fmt.Errorf("weather api: %w", err)
	}

	out := &WeatherOutput{
		Location:    fmt.Sprintf("%s, %s", payload.Name, payload.Sys.Country),
		Temperature: payload.Main.Temp,
		Humidity:    payload.Main.Humidity,
	}
	if len(payload.Weather) > 0 {
		out.Condition = payload.Weather[0].Description
	}
	return out, nil
}

func (c *toolClient) stock(ctx context.Context, in *StockInput) (*StockOutput, error) {
	if in.Symbol == "" {
		return nil, errors.New("symbol is required")
	}

	query := url.Values{}
	query.Set("function", "GLOBAL_QUOTE")
	query.Set("symbol", in.Symbol)
	query.Set("apikey", c.stockKey)

	var payload struct {
		Quote map[string]string `json:"Global Quote"`
	}
	if err := c.getJSON(ctx, c.stockURL, query, &payload); err != nil {
		return nil, fmt.Errorf("stock api: %w", err)
	}

	if len(payload.Quote) == 0 {
		return &StockOutput{Symbol: in.Symbol, Error: "No price found for this symbol."}, nil
	}
	return &StockOutput{
		Symbol:        in.Symbol,
		Price:         payload.Quote["05. price"],
		Change:        payload.Quote["09. change"],
		ChangePercent: payload.Quote["10. change percent"],
	}, nil
}

func (c *toolClient) nextRace(ctx context.Context, _ *F1Input) (*F1Output, error) {
	var payload struct {
		MRData struct {
			RaceTable struct {
				Races []struct {
					Season   string `json:"season"`
					Round    string `json:"round"`
					URL      string `json:"url"`
					RaceName string `json:"raceName"`
					Date     string `json:"date"`
					Time     string `json:"time"`
					Circuit  struct {
						CircuitName string `json:"circuitName"`
						Location    struct {
							Locality string `json:"locality"`
							Country  string `json:"country"`
						} `json:"Location"`
					} `json:"Circuit"`
				} `json:"Races"`
			} `json:"RaceTable"`
		} `json:"MRData"`
	}
	if err := c.getJSON(ctx, c.f1URL, nil, &payload); err != nil {
		return nil, fmt.Errorf("f1 api: %w", err)
	}

	races := payload.MRData.RaceTable.Races
	if len(races) == 0 {
		return &F1Output{Message: "No upcoming Formula 1 race found."}, nil
	}
	race := races[0]
	return &F1Output{
		RaceName:     race.RaceName,
		Season:       race.Season,
		Round:        race.Round,
		Date:         race.Date,
		Time:         race.Time,
		Circuit:      race.Circuit.CircuitName,
		Locality:     race.Circuit.Location.Locality,
		Country:      race.Circuit.Location.Country,
		WikipediaURL: race.URL,
	}, nil
}

func (c *toolClient) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
