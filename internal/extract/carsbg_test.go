package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const carsBGFixture = `<html>
<head><title>Audi A6 3.0 TDI - 39 900 BGN - cars.bg</title></head>
<body>
<h2>Audi A6 3.0 TDI quattro</h2>
<div class="offer-location">Пловдив</div>
<div class="text-copy">Първа регистрация март 2019, Пробег 98 000 км, 245 к.с., 2967 см3, Дизел, Автоматична скоростна кутия.</div>
<div class="text-copy">Обслужена в официален сервиз, реални километри.</div>
<img src="https://static.cars.bg/offers/1.jpg">
<img src="https://static.cars.bg/offers/2.jpg">
<a href="tel:+359888123456">Позвъни</a>
</body>
</html>`

func TestCarsBGFromHTML(t *testing.T) {
	f, err := CarsBG{}.FromHTML(carsBGFixture)
	require.NoError(t, err)

	assert.Equal(t, "Audi A6 3.0 TDI quattro", f.Title)
	require.NotNil(t, f.Brand)
	assert.Equal(t, "Audi", *f.Brand)
	require.NotNil(t, f.Model)
	assert.Equal(t, "A6 3.0", *f.Model)

	require.NotNil(t, f.Price)
	assert.Equal(t, 39_900.0, *f.Price)
	assert.Equal(t, "BGN", *f.Currency)

	require.NotNil(t, f.Year)
	assert.Equal(t, 2019, *f.Year)
	require.NotNil(t, f.MileageKm)
	assert.Equal(t, 98_000, *f.MileageKm)
	require.NotNil(t, f.EngineHP)
	assert.Equal(t, 245, *f.EngineHP)
	require.NotNil(t, f.EngineCC)
	assert.Equal(t, 2967, *f.EngineCC)

	require.NotNil(t, f.Fuel)
	assert.Equal(t, "diesel", *f.Fuel)
	require.NotNil(t, f.Gearbox)
	assert.Equal(t, "automatic", *f.Gearbox)

	require.NotNil(t, f.Region)
	assert.Equal(t, "Пловдив", *f.Region)
	assert.Contains(t, f.Description, "официален сервиз")
	assert.Equal(t, []string{
		"https://static.cars.bg/offers/1.jpg",
		"https://static.cars.bg/offers/2.jpg",
	}, f.ImageURLs)
	require.NotNil(t, f.Phone)
	assert.Equal(t, "+359888123456", *f.Phone)
}

func TestCarsBGPriceFallsBackToClassMarkup(t *testing.T) {
	html := `<html><head><title>VW Passat - cars.bg</title></head><body>
<h2>VW Passat 2.0 TDI</h2>
<div class="price-box">21 500 BGN</div>
</body></html>`

	f, err := CarsBG{}.FromHTML(html)
	require.NoError(t, err)
	require.NotNil(t, f.Price)
	assert.Equal(t, 21_500.0, *f.Price)
	assert.Equal(t, "BGN", *f.Currency)
}

func TestCarsBGEURPrice(t *testing.T) {
	html := `<html><head><title>Skoda Octavia - 8 900 EUR - cars.bg</title></head><body>
<h2>Skoda Octavia Combi</h2>
</body></html>`

	f, err := CarsBG{}.FromHTML(html)
	require.NoError(t, err)
	require.NotNil(t, f.Price)
	assert.Equal(t, 8_900.0, *f.Price)
	assert.Equal(t, "EUR", *f.Currency)
}

func TestCarsBGMonthYearWinsOverBareYear(t *testing.T) {
	html := `<html><body>
<h2>Renault Megane</h2>
<div class="text-copy">Внос от Германия 2015, първа регистрация октомври 2017.</div>
</body></html>`

	f, err := CarsBG{}.FromHTML(html)
	require.NoError(t, err)
	require.NotNil(t, f.Year)
	assert.Equal(t, 2017, *f.Year)
}
