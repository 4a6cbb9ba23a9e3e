package extract

var ProfileSchema = Schema{
	Name: "profile",
	Instruction: "Extrae del texto los datos personales que el usuario mencione. " +
		"Deja vacío cualquier campo que no aparezca; no inventes nada.",
	Fields: []Field{
		{Name: "name", Kind: KindString, Aliases: []string{"nombre"}},
		{Name: "occupation", Kind: KindString, Aliases: []string{"ocupacion", "ocupación", "trabajo"}},
		{Name: "interests", Kind: KindString, Aliases: []string{"gustos", "intereses", "hobbies"}},
		{Name: "goals", Kind: KindString, Aliases: []string{"metas", "objetivos", "sueños"}},
	},
}

var ClassifySchema = Schema{
	Name: "classify",
	Instruction: "Clasifica el mensaje en una categoría breve de actividad (por ejemplo Trabajo, Estudio, " +
		"Ejercicio, Ocio, Social, Descanso, Hogar). Si el mensaje no describe ninguna actividad responde NoActivity.",
	Fields: []Field{
		{Name: "category", Kind: KindString, Aliases: []string{"categoria", "categoría"}, Default: "NoActivity"},
	},
}

var activityItem = Schema{
	Name: "activity",
	Fields: []Field{
		{Name: "title", Kind: KindString, Aliases: []string{"titulo", "título", "actividad", "activity"}},
		{Name: "category", Kind: KindString, Aliases: []string{"categoria", "categoría"}},
		{Name: "importance", Kind: KindInt, Aliases: []string{"importancia"}, Default: 5},
	},
}

var DecomposeSchema = Schema{
	Name: "decompose",
	Instruction: "Divide el mensaje en actividades concretas e independientes. Cada actividad lleva un título corto, " +
		"una categoría y una importancia de 1 a 10.",
	Fields: []Field{
		{Name: "activities", Kind: KindObjects, Aliases: []string{"actividades"}, Item: &activityItem},
	},
}

var QuestionsSchema = Schema{
	Name: "questions",
	Instruction: "Genera como máximo tres preguntas de clarificación precisas sobre la actividad: contexto, " +
		"intención, duración, lugar o detalles que falten.",
	Fields: []Field{
		{Name: "questions", Kind: KindStrings, Aliases: []string{"preguntas"}},
	},
}

var entityItem = Schema{
	Name: "entity",
	Fields: []Field{
		{Name: "name", Kind: KindString, Aliases: []string{"nombre"}},
		{Name: "type", Kind: KindString, Aliases: []string{"tipo"}},
	},
}

var EntitiesSchema = Schema{
	Name: "entities",
	Instruction: "Extrae como máximo cinco entidades mencionadas (personas, lugares, organizaciones, objetos o conceptos). " +
		"El tipo es uno de: person, place, organization, object, concept.",
	Fields: []Field{
		{Name: "entities", Kind: KindObjects, Aliases: []string{"entidades"}, Item: &entityItem},
	},
}

var ToneSchema = Schema{
	Name: "tone",
	Instruction: "Analiza el mensaje del usuario. Indica su emoción predominante (por ejemplo triste, cansado, positivo, neutral), " +
		"si quiere dejar de conversar y un resumen breve de su estado.",
	Fields: []Field{
		{Name: "overall_mood", Kind: KindString, Aliases: []string{"mood", "estado_animo"}, Default: "neutral"},
		{Name: "wants_to_stop", Kind: KindBool, Aliases: []string{"quiere_parar"}},
		{Name: "summary", Kind: KindString, Aliases: []string{"resumen"}},
	},
}

var factItem = Schema{
	Name: "fact",
	Fields: []Field{
		{Name: "question", Kind: KindInt, Aliases: []string{"pregunta"}},
		{Name: "info", Kind: KindString, Aliases: []string{"informacion", "información", "dato"}},
	},
}

var AnswerFactsSchema = Schema{
	Name: "answer_facts",
	Instruction: "Divide la respuesta del usuario en datos concretos. Para cada dato indica el número de la pregunta " +
		"que responde, o 0 si no corresponde a ninguna.",
	Fields: []Field{
		{Name: "facts", Kind: KindObjects, Aliases: []string{"datos"}, Item: &factItem},
	},
}

var PatternsSchema = Schema{
	Name: "patterns",
	Instruction: "A partir del resumen de actividades identifica patrones de comportamiento recurrentes " +
		"y escribe un resumen breve.",
	Fields: []Field{
		{Name: "patterns", Kind: KindStrings, Aliases: []string{"patrones"}},
		{Name: "summary", Kind: KindString, Aliases: []string{"resumen"}},
	},
}
