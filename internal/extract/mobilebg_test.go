package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mobileBGFixture = `<html>
<head><title>BMW X5 3.0d xDrive - mobile.bg</title></head>
<body>
<h1>BMW X5 3.0d xDrive</h1>
<div class="price">25 000 лв.</div>
<div class="params">Първа регистрация: 2018 г., Пробег: 150 000 км, Мощност: 249 к.с., 2993 см3, Дизел, Автоматична</div>
<div class="description">Перфектно състояние, сервизна история, втори собственик.</div>
<div class="car-image">
  <img src="https://img.mobile.bg/photos/1.jpg">
  <img src="https://img.mobile.bg/photos/2.jpg">
</div>
<div class="phone">088 888 8888</div>
<div class="region">гр. София</div>
</body>
</html>`

func TestMobileBGFromHTML(t *testing.T) {
	f, err := MobileBG{}.FromHTML(mobileBGFixture)
	require.NoError(t, err)

	assert.Equal(t, "BMW X5 3.0d xDrive", f.Title)
	require.NotNil(t, f.Brand)
	assert.Equal(t, "BMW", *f.Brand)
	require.NotNil(t, f.Model)
	assert.Equal(t, "X5 3.0d", *f.Model)

	require.NotNil(t, f.Price)
	assert.Equal(t, 25_000.0, *f.Price)
	assert.Equal(t, "BGN", *f.Currency)

	require.NotNil(t, f.Year)
	assert.Equal(t, 2018, *f.Year)
	require.NotNil(t, f.MileageKm)
	assert.Equal(t, 150_000, *f.MileageKm)
	require.NotNil(t, f.EngineHP)
	assert.Equal(t, 249, *f.EngineHP)
	require.NotNil(t, f.EngineCC)
	assert.Equal(t, 2993, *f.EngineCC)

	require.NotNil(t, f.Fuel)
	assert.Equal(t, "diesel", *f.Fuel)
	require.NotNil(t, f.Gearbox)
	assert.Equal(t, "automatic", *f.Gearbox)

	assert.Equal(t, "Перфектно състояние, сервизна история, втори собственик.", f.Description)
	assert.Equal(t, []string{
		"https://img.mobile.bg/photos/1.jpg",
		"https://img.mobile.bg/photos/2.jpg",
	}, f.ImageURLs)
	require.NotNil(t, f.Phone)
	assert.Equal(t, "088 888 8888", *f.Phone)
	require.NotNil(t, f.Region)
	assert.Equal(t, "гр. София", *f.Region)
}

func TestMobileBGTitleFallsBackToPageTitle(t *testing.T) {
	f, err := MobileBG{}.FromHTML(`<html><head><title>Opel Corsa 1.2</title></head><body></body></html>`)
	require.NoError(t, err)
	assert.Equal(t, "Opel Corsa 1.2", f.Title)
	assert.Equal(t, "Opel", *f.Brand)
}

func TestDetectCurrency(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"25 000 лв.", "BGN"},
		{"12 500 €", "EUR"},
		{"12 500 EUR", "EUR"},
		{"9 900 $", "USD"},
		{"9 900", "BGN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectCurrency(tt.text), tt.text)
	}
}

func TestParseAmount(t *testing.T) {
	v, ok := parseAmount("25 000 лв.")
	require.True(t, ok)
	assert.Equal(t, 25_000.0, v)

	_, ok = parseAmount("Цена при запитване")
	assert.False(t, ok)

	_, ok = parseAmount("")
	assert.False(t, ok)
}

func TestDetectFuelBG(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Гориво: Дизел", "diesel"},
		{"Гориво: Бензин", "petrol"},
		{"Гориво: Газ", "gas"},
		{"Електро двигател", "electric"},
		{"Хибрид", "hybrid"},
		{"нищо познато", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectFuelBG(tt.text), tt.text)
	}
}

func TestDetectGearboxBG(t *testing.T) {
	assert.Equal(t, "automatic", detectGearboxBG("Скорости: Автоматична"))
	assert.Equal(t, "manual", detectGearboxBG("Скорости: Ръчна"))
	assert.Empty(t, detectGearboxBG("Скорости: полуавтоматик"))
}
