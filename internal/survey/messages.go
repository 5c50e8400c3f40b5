package survey

import "fmt"

// Message texts sent during the survey, WhatsApp markdown included.

const ratingQuestion = "Su experiencia con la atención es muy importante para nosotros. \n\n" +
	"En una _*escala del 1 al 5*_ donde 1 significa que no nos recomendaría y 5 que nos recomendaría totalmente. \n\n" +
	"_*¿Cuál sería su calificación?*_"

const reasonQuestion = "Podrías decirnos _*¿Por qué esa calificación?*_"

const thankYouMessage = "_*¡Muchas gracias por tu tiempo!*_"

// openingMessage greets the customer with their order details.
func openingMessage(req StartRequest) string {
	return fmt.Sprintf("Hola *%s*, gracias por tu compra en *%s*. \n\n"+
		"Esperamos que tu pedido _#%s_ que contiene los siguientes productos:\n\n"+
		"_%s_\n\nllegaron de manera efectiva.",
		req.CustomerName, req.Company, req.OrderID, req.Products)
}
