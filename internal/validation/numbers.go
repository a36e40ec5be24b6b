// Package validation содержит функции валидации входных данных.
package validation

const (
	orderNoPrefix       = "LS"
	transactionNoPrefix = "PT"
	// 14 цифр времени и 6 цифр случайного суффикса.
	numberDigits = 20
)

// IsValidOrderNumber проверяет формат номера заказа: LS и 20 цифр.
func IsValidOrderNumber(number string) bool {
	return hasFormat(number, orderNoPrefix)
}

// IsValidTransactionNumber проверяет формат номера платёжной попытки: PT и 20 цифр.
func IsValidTransactionNumber(number string) bool {
	return hasFormat(number, transactionNoPrefix)
}

func hasFormat(number, prefix string) bool {
	if len(number) != len(prefix)+numberDigits || number[:len(prefix)] != prefix {
		return false
	}

	for _, ch := range number[len(prefix):] {
		if ch < '0' || ch > '9' {
			return false
		}
	}

	return true
}
