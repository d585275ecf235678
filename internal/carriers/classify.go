package carriers

import (
	"regexp"

	"github.com/BearBump/ParcelDesk/internal/models"
)

// Таблица эвристик. Порядок важен: первый матч выигрывает, и числовой
// fallback UPS (10–12 цифр) сознательно перекрывает DHL и 12-значный FedEx.
// Это best-effort определение; когда важна точность, клиент должен передать
// перевозчика явно.
var patternTable = []struct {
	carrier string
	re      *regexp.Regexp
}{
	{models.CarrierUPS, regexp.MustCompile(`^1Z[A-Z0-9]{16}$`)},
	{models.CarrierUPS, regexp.MustCompile(`^\d{10,12}$`)},
	{models.CarrierFedEx, regexp.MustCompile(`^\d{12}$`)},
	{models.CarrierFedEx, regexp.MustCompile(`^\d{14}$`)},
	{models.CarrierUSPS, regexp.MustCompile(`^[A-Za-z]{2}\d{9}[A-Za-z]{2}$`)},
	{models.CarrierUSPS, regexp.MustCompile(`^\d{4} \d{4} \d{4} \d{4}$`)},
	{models.CarrierDHL, regexp.MustCompile(`^\d{10,11}$`)},
	{models.CarrierAmazon, regexp.MustCompile(`^TBA\d{10}$`)},
}

// Classify guesses the carrier from the tracking number alone. Pure and
// deterministic; returns models.CarrierUnknown when no pattern matches, in
// which case the caller must require an explicit carrier or defer assignment.
func Classify(trackingNumber string) string {
	for _, p := range patternTable {
		if p.re.MatchString(trackingNumber) {
			return p.carrier
		}
	}
	return models.CarrierUnknown
}
