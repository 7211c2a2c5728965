package domain

import "time"

// CartRepository описывает требования к хранилищу корзин.
type CartRepository interface {
	// Create сохраняет новую корзину. Возвращает ошибку, если запись с таким ID уже существует.
	Create(cart Cart) error
	// Get возвращает корзину по идентификатору или ErrCartNotFound, если её нет.
	Get(id string) (Cart, error)
	// ListByUID возвращает корзины аккаунта с опциональным ограничением на количество.
	ListByUID(uid string, limit int) ([]Cart, error)
	// ListStaleProcessing возвращает корзины, зависшие в processing: последняя
	// мутация была раньше olderThan. Старые записи идут первыми.
	ListStaleProcessing(olderThan time.Time, limit int) ([]Cart, error)
	// Save применяет обновления к корзине с учётом optimistic locking:
	// сохраняется только при совпадении Version, версия инкрементируется.
	Save(cart Cart) error
}
