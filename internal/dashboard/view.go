// Package dashboard builds display projections of query-layer state.
// Nothing here fetches: views are pure functions of snapshots, plus display
// formatting (unit conversion, icon selection, day bucketing).
package dashboard

import (
	"sort"
	"time"

	"github.com/lmarchetti/weather-dashboard/internal/models"
)

// Banner is a non-fatal notice rendered above the dashboard.
type Banner struct {
	Kind    string `json:"kind"` // location_unavailable, city_not_found, upstream_error
	Message string `json:"message"`
}

// Card is one day of the forecast, bucketed from 3-hour entries.
type Card struct {
	Date       string  `json:"date"` // YYYY-MM-DD
	Weekday    string  `json:"weekday"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Conditions string  `json:"conditions"`
	Icon       string  `json:"icon"`
	PrecipProb float64 `json:"precipProb"` // max over the day, 0..1
}

// View is the composed dashboard response.
type View struct {
	Location  string                 `json:"location"`
	Units     string                 `json:"units"`
	Current   *models.CurrentWeather `json:"current,omitempty"`
	Cards     []Card                 `json:"cards,omitempty"`
	Banner    *Banner                `json:"banner,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt,omitempty"`
	Stale     bool                   `json:"stale,omitempty"`
}

// maxCards caps the forecast row: five days, matching the source API range.
const maxCards = 5

// BuildView composes current conditions and the forecast into a dashboard
// view. units is the display unit system ("metric" or "imperial"); upstream
// data is always metric and converted here for display only.
func BuildView(cur models.CurrentWeather, fc models.Forecast, units string) View {
	display := cur
	display.Temperature = DisplayTemp(cur.Temperature, units)
	display.FeelsLike = DisplayTemp(cur.FeelsLike, units)
	display.TempMin = DisplayTemp(cur.TempMin, units)
	display.TempMax = DisplayTemp(cur.TempMax, units)
	if display.Icon == "" {
		display.Icon = IconForCondition(display.ConditionCode)
	}

	return View{
		Location:  display.Location,
		Units:     normalizeUnits(units),
		Current:   &display,
		Cards:     DayCards(fc.Entries, units),
		UpdatedAt: cur.Timestamp,
		Stale:     cur.Stale || fc.Stale,
	}
}

// BannerView returns a view carrying only a banner, for failures that should
// not blank the whole dashboard.
func BannerView(kind, message string) View {
	return View{Banner: &Banner{Kind: kind, Message: message}}
}

// DayCards buckets 3-hour forecast entries by calendar day (UTC) into at most
// five cards: high/low across the day, conditions from the entry nearest
// midday, max precipitation probability.
func DayCards(entries []models.ForecastEntry, units string) []Card {
	byDay := make(map[string][]models.ForecastEntry)
	var order []string
	for _, e := range entries {
		day := e.Timestamp.UTC().Format("2006-01-02")
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = append(byDay[day], e)
	}
	sort.Strings(order)
	if len(order) > maxCards {
		order = order[:maxCards]
	}

	cards := make([]Card, 0, len(order))
	for _, day := range order {
		cards = append(cards, dayCard(day, byDay[day], units))
	}
	return cards
}

func dayCard(day string, entries []models.ForecastEntry, units string) Card {
	high, low := entries[0].Temperature, entries[0].Temperature
	precip := entries[0].PrecipProb
	rep := entries[0]
	bestDist := middayDistance(entries[0].Timestamp)
	for _, e := range entries[1:] {
		if e.Temperature > high {
			high = e.Temperature
		}
		if e.Temperature < low {
			low = e.Temperature
		}
		if e.PrecipProb > precip {
			precip = e.PrecipProb
		}
		if d := middayDistance(e.Timestamp); d < bestDist {
			bestDist = d
			rep = e
		}
	}

	icon := rep.Icon
	if icon == "" {
		icon = IconForCondition(rep.ConditionCode)
	}
	t, _ := time.Parse("2006-01-02", day)
	return Card{
		Date:       day,
		Weekday:    t.Weekday().String(),
		High:       DisplayTemp(high, units),
		Low:        DisplayTemp(low, units),
		Conditions: rep.Conditions,
		Icon:       icon,
		PrecipProb: precip,
	}
}

func middayDistance(t time.Time) time.Duration {
	h := t.UTC().Hour()
	d := h - 12
	if d < 0 {
		d = -d
	}
	return time.Duration(d) * time.Hour
}

// DisplayTemp converts a Celsius temperature for display.
func DisplayTemp(celsius float64, units string) float64 {
	if normalizeUnits(units) == "imperial" {
		return celsius*9/5 + 32
	}
	return celsius
}

func normalizeUnits(units string) string {
	if units == "imperial" {
		return "imperial"
	}
	return "metric"
}

// IconForCondition maps OpenWeather condition code groups to icon names, for
// payloads that did not carry an icon field.
func IconForCondition(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "thunderstorm"
	case code >= 300 && code < 400:
		return "drizzle"
	case code >= 500 && code < 600:
		return "rain"
	case code >= 600 && code < 700:
		return "snow"
	case code >= 700 && code < 800:
		return "mist"
	case code == 800:
		return "clear"
	case code > 800 && code < 900:
		return "clouds"
	}
	return "unknown"
}
