// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/mail"
	"strings"
	"unicode"
)

// IsValidOrderNumber проверяет корректность номера заказа по алгоритму Луна.
func IsValidOrderNumber(number string) bool {
	sum, ok := luhnSum(number, false)
	return ok && sum%10 == 0
}

// LuhnCheckDigit вычисляет контрольную цифру, которую нужно дописать к payload,
// чтобы номер прошёл проверку IsValidOrderNumber.
func LuhnCheckDigit(payload string) (byte, bool) {
	sum, ok := luhnSum(payload, true)
	if !ok {
		return 0, false
	}
	return byte('0' + (10-sum%10)%10), true
}

// luhnSum считает взвешенную сумму цифр справа налево. doubleFirst удваивает
// крайнюю правую цифру: так считается сумма без ещё не дописанной контрольной цифры.
func luhnSum(digits string, doubleFirst bool) (int, bool) {
	if digits == "" {
		return 0, false
	}

	sum := 0
	double := doubleFirst
	for i := len(digits) - 1; i >= 0; i-- {
		ch := rune(digits[i])
		if !unicode.IsDigit(ch) {
			return 0, false
		}
		d := int(ch - '0')
		if double {
			if d *= 2; d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum, true
}

// IsValidEmail проверяет, что строка является одиночным адресом электронной почты без имени.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email
}
